package responder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/payloads"
)

func collect(request *flows_proto.ClientActionRequest,
	cb func(r *Responder)) []*flows_proto.FlowResponse {
	output := make(chan *flows_proto.FlowResponse, 100)
	cb(NewResponder(request, output))
	close(output)

	result := []*flows_proto.FlowResponse{}
	for r := range output {
		result = append(result, r)
	}
	return result
}

func TestResponderNumbersResponses(t *testing.T) {
	request := &flows_proto.ClientActionRequest{
		ClientId: "C.1", FlowId: "F.1", RequestId: 3,
	}

	responses := collect(request, func(r *Responder) {
		assert.NoError(t, r.AddResponse(&payloads.EchoResponse{Data: "a"}))
		assert.NoError(t, r.AddResponse(&payloads.EchoResponse{Data: "b"}))
		r.Return()

		// Only one terminal status is ever sent.
		r.RaiseError("too late")
	})

	assert.Equal(t, 3, len(responses))
	for idx, r := range responses {
		assert.Equal(t, uint64(idx+1), r.ResponseId)
		assert.Equal(t, uint64(3), r.RequestId)
		assert.Equal(t, "F.1", r.FlowId)
	}
	assert.Equal(t, flows_proto.FlowResponse_STATUS, responses[2].Type)
	assert.True(t, responses[2].Status.IsOK())
	assert.True(t, responses[2].Status.NetworkBytesSent > 0)
}

func TestResponderNetworkLimit(t *testing.T) {
	request := &flows_proto.ClientActionRequest{
		ClientId: "C.1", FlowId: "F.1", RequestId: 1,
		NetworkBytesLimit: 5,
	}

	responses := collect(request, func(r *Responder) {
		r.AddResponse(&payloads.EchoResponse{Data: "a long response"})
		r.Return()
	})

	status := responses[len(responses)-1]
	assert.Equal(t, flows_proto.FlowResponse_ERROR, status.Type)
	assert.Equal(t, flows_proto.Status_NETWORK_LIMIT_EXCEEDED,
		status.Status.Status)
}

package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/responder"
)

type ActionsTestSuite struct {
	suite.Suite
	dir string
}

func (self *ActionsTestSuite) SetupTest() {
	self.dir = self.T().TempDir()
	err := os.WriteFile(filepath.Join(self.dir, "hello.txt"),
		[]byte("hello"), 0600)
	self.Require().NoError(err)
}

func (self *ActionsTestSuite) run(name string,
	args interface{}) []*flows_proto.FlowResponse {
	desc, err := GetAction(name)
	self.Require().NoError(err)
	self.Require().NoError(CheckArgs(desc, args))

	request := &flows_proto.ClientActionRequest{
		ClientId: "C.1", FlowId: "F.1", RequestId: 1,
		ActionName: name,
		Args:       payloads.MustEncode(args),
	}

	output := make(chan *flows_proto.FlowResponse, 1000)
	desc.Impl.Run(context.Background(), responder.NewResponder(request, output))
	close(output)

	result := []*flows_proto.FlowResponse{}
	for r := range output {
		result = append(result, r)
	}
	return result
}

func (self *ActionsTestSuite) TestEcho() {
	responses := self.run("Echo", &payloads.EchoRequest{Data: "x"})
	self.Equal(2, len(responses))

	reply := &payloads.EchoResponse{}
	self.NoError(payloads.DecodeInto(responses[0].Payload, reply))
	self.Equal("x", reply.Data)
	self.True(responses[1].Status.IsOK())
}

func (self *ActionsTestSuite) TestListDirectoryAndHash() {
	responses := self.run("ListDirectory",
		&payloads.ListDirRequest{Path: self.dir})
	self.Equal(2, len(responses))

	stat := &payloads.StatEntry{}
	self.NoError(payloads.DecodeInto(responses[0].Payload, stat))
	self.Equal(int64(5), stat.Size)

	responses = self.run("HashFile", &payloads.HashRequest{Path: stat.Path})
	hash := &payloads.Hash{}
	self.NoError(payloads.DecodeInto(responses[0].Payload, hash))
	self.Equal("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		hash.Sha256)
}

func (self *ActionsTestSuite) TestHashFileErrors() {
	responses := self.run("HashFile", &payloads.HashRequest{
		Path: filepath.Join(self.dir, "missing")})
	self.Equal(1, len(responses))
	self.Equal(flows_proto.FlowResponse_ERROR, responses[0].Type)
}

func (self *ActionsTestSuite) TestCheckArgs() {
	desc, err := GetAction("Echo")
	self.NoError(err)
	self.Error(CheckArgs(desc, &payloads.HashRequest{}))
	self.Error(CheckArgs(desc, nil))

	_, err = GetAction("NoSuchAction")
	self.Error(err)
}

func TestActions(t *testing.T) {
	suite.Run(t, &ActionsTestSuite{})
}

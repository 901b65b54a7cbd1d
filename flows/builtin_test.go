package flows

import (
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/payloads"
)

func (self *FlowsTestSuite) childOfClass(parent_id, class string) *flows_proto.Flow {
	children, err := self.db.ReadChildFlowObjects(self.ctx, client_id, parent_id)
	self.Require().NoError(err)
	for _, c := range children {
		if c.FlowClassName == class {
			return c
		}
	}
	self.FailNow("no child of class " + class)
	return nil
}

func (self *FlowsTestSuite) TestInterrogate() {
	flow := self.start("Interrogate", &payloads.EmptyArgs{})
	self.Equal(uint64(2), flow.OutstandingRequests())

	stats := self.childOfClass(flow.FlowId, "GetClientStats")
	processes := self.childOfClass(flow.FlowId, "ListProcesses")

	// Every child talks to the client on its own.
	messages := self.clientMessages()
	self.Require().Equal(2, len(messages))

	self.respond(processes.FlowId, 1, nil,
		&payloads.Process{Pid: 1, Name: "init"},
		&payloads.Process{Pid: 2, Name: "kthreadd"},
		&payloads.Process{Pid: 3, Name: "sshd"})
	self.Require().NoError(self.process(processes.FlowId))

	// Still waiting for the stats.
	self.Require().NoError(self.process(flow.FlowId))
	self.Equal(flows_proto.Flow_RUNNING, self.readFlow(flow.FlowId).FlowState)

	self.respond(stats.FlowId, 1, nil, &payloads.ClientStats{
		Hostname:    "host1",
		OS:          "linux",
		MemoryTotal: 1024,
	})
	self.Require().NoError(self.process(stats.FlowId))
	self.Require().NoError(self.process(flow.FlowId))

	stored := self.readFlow(flow.FlowId)
	self.Equal(flows_proto.Flow_FINISHED, stored.FlowState)

	results := self.results(flow.FlowId)
	self.Require().Equal(1, len(results))
	self.Equal("summary", results[0].Tag)

	summary := &payloads.ClientSummary{}
	self.Require().NoError(payloads.DecodeInto(results[0].Payload, summary))
	self.Equal(client_id, summary.ClientId)
	self.Equal("host1", summary.Hostname)
	self.Equal(uint64(1024), summary.MemoryTotal)
	self.Equal(3, summary.NumProcesses)
	self.Equal(0, len(summary.Errors))

	// The children's results are kept with the children.
	self.Equal(3, len(self.results(processes.FlowId)))
}

func (self *FlowsTestSuite) TestInterrogateChildFails() {
	flow := self.start("Interrogate", &payloads.EmptyArgs{})
	stats := self.childOfClass(flow.FlowId, "GetClientStats")
	processes := self.childOfClass(flow.FlowId, "ListProcesses")

	self.respond(stats.FlowId, 1, &flows_proto.Status{
		Status:       flows_proto.Status_GENERIC_ERROR,
		ErrorMessage: "access denied",
	})
	self.respond(processes.FlowId, 1, nil)

	self.Require().NoError(self.process(stats.FlowId))
	self.Require().NoError(self.process(processes.FlowId))
	self.Require().NoError(self.process(flow.FlowId))

	self.Equal(flows_proto.Flow_ERROR, self.readFlow(stats.FlowId).FlowState)
	self.Equal(flows_proto.Flow_FINISHED, self.readFlow(flow.FlowId).FlowState)

	results := self.results(flow.FlowId)
	self.Require().Equal(1, len(results))
	summary := &payloads.ClientSummary{}
	self.Require().NoError(payloads.DecodeInto(results[0].Payload, summary))
	self.Require().Equal(1, len(summary.Errors))
	self.Contains(summary.Errors[0], "access denied")
}

func (self *FlowsTestSuite) TestListDirectory() {
	flow := self.start("ListDirectory", &payloads.ListDirRequest{Path: "/etc"})

	self.respond(flow.FlowId, 1, nil,
		&payloads.StatEntry{Path: "/etc/ssh", IsDir: true},
		&payloads.StatEntry{Path: "/etc/passwd", Size: 100},
		&payloads.StatEntry{Path: "/etc/shadow", Size: 50})
	self.Require().NoError(self.process(flow.FlowId))

	// One hash request per file.
	messages := self.clientMessages()
	self.Require().Equal(2, len(messages))
	for _, m := range messages {
		self.Equal("HashFile", m.ActionName)
	}

	self.respond(flow.FlowId, 2, nil, &payloads.Hash{
		Path: "/etc/passwd", Size: 100, Sha256: "abcd",
	})
	self.respond(flow.FlowId, 3, &flows_proto.Status{
		Status:       flows_proto.Status_GENERIC_ERROR,
		ErrorMessage: "permission denied",
	})
	self.Require().NoError(self.process(flow.FlowId))

	stored := self.readFlow(flow.FlowId)
	self.Equal(flows_proto.Flow_FINISHED, stored.FlowState)
	self.Equal(uint64(4), stored.NumResults)

	tags := map[string]int{}
	for _, r := range self.results(flow.FlowId) {
		tags[r.Tag]++
	}
	self.Equal(map[string]int{"stat": 3, "hash": 1}, tags)

	state := &ListDirectoryFlow{}
	self.Require().NoError(unmarshalState(stored, state))
	self.Equal("/etc", state.Path)
	self.Equal(uint64(1), state.Hasher.Hashed)
	self.Equal(uint64(1), state.Hasher.Failed)
	self.Equal(0, state.Hasher.Pending)

	logs := self.logs(flow.FlowId)
	self.Contains(logs, "Unable to hash /etc/shadow: permission denied")
	self.Contains(logs, "Listed /etc: hashed 1 files, 1 failed")
}

func (self *FlowsTestSuite) TestListProcesses() {
	flow := self.start("ListProcesses", &payloads.ProcessListRequest{
		NameFilter: "ssh",
	})

	messages := self.clientMessages()
	self.Require().Equal(1, len(messages))
	args := &payloads.ProcessListRequest{}
	self.Require().NoError(payloads.DecodeInto(messages[0].Args, args))
	self.Equal("ssh", args.NameFilter)

	self.respond(flow.FlowId, 1, nil, &payloads.Process{Pid: 3, Name: "sshd"})
	self.Require().NoError(self.process(flow.FlowId))

	self.Equal(flows_proto.Flow_FINISHED, self.readFlow(flow.FlowId).FlowState)
	self.Contains(self.logs(flow.FlowId), "Listed 1 processes")
}

func (self *FlowsTestSuite) TestEchoFailure() {
	flow := self.start("Echo", &payloads.EchoRequest{})
	self.respond(flow.FlowId, 1, &flows_proto.Status{
		Status:       flows_proto.Status_GENERIC_ERROR,
		ErrorMessage: "no such action",
	})
	self.Require().NoError(self.process(flow.FlowId))

	stored := self.readFlow(flow.FlowId)
	self.Equal(flows_proto.Flow_ERROR, stored.FlowState)
	self.Equal("GENERIC_ERROR: no such action", stored.ErrorMessage)
}

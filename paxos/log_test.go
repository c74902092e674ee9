package paxos

import (
	gocheck "gopkg.in/check.v1"
)

type LogTest struct{}

var _ = gocheck.Suite(&LogTest{})

func (s *LogTest) TestRestartReplaysState(c *gocheck.C) {
	dir := c.MkDir()
	me := "127.0.0.1:9000"

	acc, err := NewAcceptor(nil, true, me, "first-view", dir)
	c.Assert(err, gocheck.IsNil)

	// promise, accept and decide across two instances
	acc.handlePrepare("test", marshalMessage(&prepareArgs{Instance: 2, N: Proposal{N: 3, M: "p"}}))
	acc.handleAccept("test", marshalMessage(&acceptArgs{Instance: 2, N: Proposal{N: 3, M: "p"}, V: "view2"}))
	acc.handleDecide("test", marshalMessage(&decideArgs{Instance: 2, V: "view2"}))
	acc.handlePrepare("test", marshalMessage(&prepareArgs{Instance: 3, N: Proposal{N: 1, M: "q"}}))
	acc.handleAccept("test", marshalMessage(&acceptArgs{Instance: 3, N: Proposal{N: 1, M: "q"}, V: "view3,with spaces"}))
	acc.Close()

	// a restarted acceptor reconstructs everything it promised
	recovered, err := NewAcceptor(nil, true, me, "ignored", dir)
	c.Assert(err, gocheck.IsNil)
	defer recovered.Close()

	c.Check(recovered.HighestInstance(), gocheck.Equals, uint64(2))
	v, decided := recovered.Value(1)
	c.Check(decided, gocheck.Equals, true)
	c.Check(v, gocheck.Equals, "first-view")
	v, decided = recovered.Value(2)
	c.Check(decided, gocheck.Equals, true)
	c.Check(v, gocheck.Equals, "view2")

	// the undecided accepted proposal for instance 3 must survive,
	// a later proposer depends on learning it
	reply := &prepareReply{}
	status, replyBytes := recovered.handlePrepare("test",
		marshalMessage(&prepareArgs{Instance: 3, N: Proposal{N: 9, M: "r"}}))
	c.Assert(status, gocheck.Equals, rpcOK())
	c.Assert(unmarshalPrepareReply(replyBytes, reply), gocheck.IsNil)
	c.Check(reply.Accept, gocheck.Equals, true)
	c.Check(reply.Na, gocheck.Equals, Proposal{N: 1, M: "q"})
	c.Check(reply.Va, gocheck.Equals, "view3,with spaces")
}

func (s *LogTest) TestDumpRestore(c *gocheck.C) {
	dir := c.MkDir()
	acc, err := NewAcceptor(nil, true, "127.0.0.1:9000", "v1", dir)
	c.Assert(err, gocheck.IsNil)
	defer acc.Close()
	acc.handleDecide("test", marshalMessage(&decideArgs{Instance: 2, V: "v2"}))

	dump, err := acc.Dump()
	c.Assert(err, gocheck.IsNil)

	// a joining node restores the dump and sees the same history
	joiner, err := NewAcceptor(nil, false, "127.0.0.1:9001", "", c.MkDir())
	c.Assert(err, gocheck.IsNil)
	defer joiner.Close()
	c.Assert(joiner.Restore(dump), gocheck.IsNil)

	c.Check(joiner.HighestInstance(), gocheck.Equals, uint64(2))
	v, decided := joiner.Value(1)
	c.Check(decided, gocheck.Equals, true)
	c.Check(v, gocheck.Equals, "v1")
	v, decided = joiner.Value(2)
	c.Check(decided, gocheck.Equals, true)
	c.Check(v, gocheck.Equals, "v2")
}

func (s *LogTest) TestCorruptLogRefused(c *gocheck.C) {
	acc, err := NewAcceptor(nil, false, "127.0.0.1:9001", "", c.MkDir())
	c.Assert(err, gocheck.IsNil)
	defer acc.Close()
	c.Check(acc.Restore("instance not-a-number v\n"), gocheck.NotNil)
}

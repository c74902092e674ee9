package paxos

import (
	"bufio"
	"bytes"
	"fmt"
	"time"
)

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

func rpcOK() rpc.Status { return rpc.OK }

func unmarshalPrepareReply(b []byte, r *prepareReply) error {
	return r.Deserialize(bufio.NewReader(bytes.NewReader(b)))
}

// a paxos node running on a loopback rpc server
type testNode struct {
	me       string
	cfg      *commitRecorder
	acceptor *Acceptor
	proposer *Proposer
	server   *rpc.Server
}

type ProposerTest struct {
	nodes []*testNode
}

var _ = gocheck.Suite(&ProposerTest{})

func (s *ProposerTest) SetUpTest(c *gocheck.C) {
	s.nodes = nil
	for i := 0; i < 3; i++ {
		server := rpc.NewServer("127.0.0.1:0")
		c.Assert(server.Start(), gocheck.IsNil)
		me := server.Addr()

		n := &testNode{me: me, cfg: newCommitRecorder(), server: server}
		acc, err := NewAcceptor(n.cfg, false, me, "", c.MkDir())
		c.Assert(err, gocheck.IsNil)
		n.acceptor = acc
		acc.RegisterHandlers(server)
		n.proposer = NewProposer(acc, me, rpc.NewHandleCache())
		s.nodes = append(s.nodes, n)
	}
}

func (s *ProposerTest) TearDownTest(c *gocheck.C) {
	for _, n := range s.nodes {
		n.server.Stop()
		n.acceptor.Close()
	}
}

func (s *ProposerTest) members() []string {
	members := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		members[i] = n.me
	}
	return members
}

func (s *ProposerTest) waitForCommit(c *gocheck.C, n *testNode, instance uint64) string {
	for i := 0; i < 100; i++ {
		if v := n.cfg.get(instance); v != "" {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("node %v never learned instance %v", n.me, instance)
	return ""
}

func (s *ProposerTest) TestRoundDecidesProposedValue(c *gocheck.C) {
	view := fmt.Sprintf("%v,%v,%v", s.nodes[0].me, s.nodes[1].me, s.nodes[2].me)
	ok := s.nodes[0].proposer.Run(1, s.members(), view)
	c.Assert(ok, gocheck.Equals, true)

	// every node converges on the same decided value
	for _, n := range s.nodes {
		c.Check(s.waitForCommit(c, n, 1), gocheck.Equals, view)
	}
}

func (s *ProposerTest) TestSecondProposerAdoptsDecidedValue(c *gocheck.C) {
	ok := s.nodes[0].proposer.Run(1, s.members(), "winner")
	c.Assert(ok, gocheck.Equals, true)
	for _, n := range s.nodes {
		s.waitForCommit(c, n, 1)
	}

	// a later proposer for the same instance observes oldinstance,
	// commits the decided value locally and reports failure
	ok = s.nodes[1].proposer.Run(1, s.members(), "loser")
	c.Check(ok, gocheck.Equals, false)
	v, decided := s.nodes[1].acceptor.Value(1)
	c.Check(decided, gocheck.Equals, true)
	c.Check(v, gocheck.Equals, "winner")
}

func (s *ProposerTest) TestSuccessiveInstances(c *gocheck.C) {
	c.Assert(s.nodes[0].proposer.Run(1, s.members(), "view1"), gocheck.Equals, true)
	c.Assert(s.nodes[1].proposer.Run(2, s.members(), "view2"), gocheck.Equals, true)

	for _, n := range []*testNode{s.nodes[0], s.nodes[1]} {
		c.Check(s.waitForCommit(c, n, 1), gocheck.Equals, "view1")
		c.Check(s.waitForCommit(c, n, 2), gocheck.Equals, "view2")
	}
}

func (s *ProposerTest) TestNoMajorityWithTwoNodesDown(c *gocheck.C) {
	s.nodes[1].server.Stop()
	s.nodes[2].server.Stop()

	ok := s.nodes[0].proposer.Run(2, s.members(), "doomed")
	c.Check(ok, gocheck.Equals, false)
	_, decided := s.nodes[0].acceptor.Value(2)
	c.Check(decided, gocheck.Equals, false)
}

func (s *ProposerTest) TestSurvivesOneNodeDown(c *gocheck.C) {
	s.nodes[2].server.Stop()

	ok := s.nodes[0].proposer.Run(2, s.members(), "view2")
	c.Check(ok, gocheck.Equals, true)
	c.Check(s.waitForCommit(c, s.nodes[1], 2), gocheck.Equals, "view2")
}

func (s *ProposerTest) TestValueRecoveredFromAcceptedProposal(c *gocheck.C) {
	// simulate a proposer that died between accept and decide: node
	// 1 has accepted "orphan" but nobody decided
	status, reply := s.nodes[1].acceptor.handlePrepare("test",
		marshalMessage(&prepareArgs{Instance: 2, N: Proposal{N: 3, M: "dead"}}))
	c.Assert(status, gocheck.Equals, rpcOK())
	pr := &prepareReply{}
	c.Assert(unmarshalPrepareReply(reply, pr), gocheck.IsNil)
	c.Assert(pr.Accept, gocheck.Equals, true)
	status, accReply := s.nodes[1].acceptor.handleAccept("test",
		marshalMessage(&acceptArgs{Instance: 2, N: Proposal{N: 3, M: "dead"}, V: "orphan"}))
	c.Assert(status, gocheck.Equals, rpcOK())
	c.Assert(accReply[0], gocheck.Equals, byte(1))

	// raise node 0's promise floor so its next proposal number
	// outbids the dead proposer and node 1 joins the quorum
	s.nodes[0].acceptor.handlePrepare("test",
		marshalMessage(&prepareArgs{Instance: 2, N: Proposal{N: 5, M: "boost"}}))

	// a new proposer must adopt the accepted value instead of its own
	ok := s.nodes[0].proposer.Run(2, s.members(), "mine")
	c.Assert(ok, gocheck.Equals, true)
	c.Check(s.waitForCommit(c, s.nodes[0], 2), gocheck.Equals, "orphan")
}

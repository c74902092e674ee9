package rsm

import (
	"strings"
	"sync"
	"time"
)

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

const procAppend = uint32(0x99)

// a deterministic appender used as the replicated application
type testApp struct {
	mutex   sync.Mutex
	entries []string
}

func (a *testApp) apply(req []byte) (rpc.Status, []byte) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.entries = append(a.entries, string(req))
	return rpc.OK, req
}

func (a *testApp) MarshalState() []byte {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return []byte(strings.Join(a.entries, "\n"))
}

func (a *testApp) UnmarshalState(state []byte) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if len(state) == 0 {
		a.entries = nil
		return
	}
	a.entries = strings.Split(string(state), "\n")
}

func (a *testApp) snapshot() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]string{}, a.entries...)
}

type rsmNode struct {
	addr string
	r    *RSM
	app  *testApp
}

func startNode(c *gocheck.C, first string, addr string) *rsmNode {
	r, err := New(first, addr, c.MkDir())
	c.Assert(err, gocheck.IsNil)
	app := &testApp{}
	r.Register(procAppend, app.apply)
	r.SetStateTransfer(app)
	c.Assert(r.Start(), gocheck.IsNil)
	return &rsmNode{addr: addr, r: r, app: app}
}

type ReplicationTest struct {
	nodes []*rsmNode
}

var _ = gocheck.Suite(&ReplicationTest{})

func (s *ReplicationTest) SetUpTest(c *gocheck.C) {
	s.nodes = nil
}

func (s *ReplicationTest) TearDownTest(c *gocheck.C) {
	for _, n := range s.nodes {
		n.r.Stop()
	}
}

func (s *ReplicationTest) waitEntries(c *gocheck.C, n *rsmNode, want []string) {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		got := n.app.snapshot()
		if len(got) == len(want) {
			match := true
			for i := range want {
				if got[i] != want[i] {
					match = false
					break
				}
			}
			if match {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.Fatalf("node %v never reached %v, has %v", n.addr, want, n.app.snapshot())
}

func (s *ReplicationTest) TestSingleNodeInvoke(c *gocheck.C) {
	addr := freeAddr(c)
	n := startNode(c, addr, addr)
	s.nodes = append(s.nodes, n)

	client := NewClient(addr)
	status, body := client.Invoke(procAppend, []byte("a"))
	c.Assert(status, gocheck.Equals, rpc.OK)
	c.Check(string(body), gocheck.Equals, "a")
	s.waitEntries(c, n, []string{"a"})
}

func (s *ReplicationTest) TestJoinTransfersStateAndReplicates(c *gocheck.C) {
	first := freeAddr(c)
	n1 := startNode(c, first, first)
	s.nodes = append(s.nodes, n1)

	client := NewClient(first)
	status, _ := client.Invoke(procAppend, []byte("a"))
	c.Assert(status, gocheck.Equals, rpc.OK)

	// a second node joins; the primary adds it through paxos, the
	// joiner restores the config log and downloads the app state
	n2 := startNode(c, first, freeAddr(c))
	s.nodes = append(s.nodes, n2)

	// the pre-join entry arrives via state transfer
	s.waitEntries(c, n2, []string{"a"})

	// rides through the view change sync, then replicates to both
	status, _ = client.Invoke(procAppend, []byte("b"))
	c.Assert(status, gocheck.Equals, rpc.OK)
	s.waitEntries(c, n1, []string{"a", "b"})
	s.waitEntries(c, n2, []string{"a", "b"})
}

func (s *ReplicationTest) TestNotPrimaryRedirect(c *gocheck.C) {
	first := freeAddr(c)
	n1 := startNode(c, first, first)
	n2 := startNode(c, first, freeAddr(c))
	s.nodes = append(s.nodes, n1, n2)

	// wait for the two node view to settle
	probe := NewClient(first)
	status, _ := probe.Invoke(procAppend, []byte("a"))
	c.Assert(status, gocheck.Equals, rpc.OK)
	s.waitEntries(c, n2, []string{"a"})

	// a client pointed at the backup is redirected to the primary
	client := NewClient(n2.addr)
	status, _ = client.Invoke(procAppend, []byte("b"))
	c.Assert(status, gocheck.Equals, rpc.OK)
	c.Check(client.Primary(), gocheck.Equals, first)
	s.waitEntries(c, n1, []string{"a", "b"})
}

func (s *ReplicationTest) TestBackupRejectsBadViewstamp(c *gocheck.C) {
	first := freeAddr(c)
	n1 := startNode(c, first, first)
	n2 := startNode(c, first, freeAddr(c))
	s.nodes = append(s.nodes, n1, n2)

	probe := NewClient(first)
	status, _ := probe.Invoke(procAppend, []byte("a"))
	c.Assert(status, gocheck.Equals, rpc.OK)
	s.waitEntries(c, n2, []string{"a"})

	// an invoke carrying the wrong stamp is refused
	badStamp := marshalMessage(&invokeArgs{Proc: procAppend, Vs: Viewstamp{Vid: 99, Seqno: 99}, Req: []byte("x")})
	h := rpc.NewHandle(n2.addr)
	defer h.Close()
	st, _, err := h.Call(ProcInvoke, first, badStamp, time.Second)
	c.Assert(err, gocheck.IsNil)
	c.Check(st, gocheck.Equals, rpc.ERR)
	s.waitEntries(c, n2, []string{"a"})
}

func (s *ReplicationTest) TestClientMembers(c *gocheck.C) {
	first := freeAddr(c)
	n1 := startNode(c, first, first)
	s.nodes = append(s.nodes, n1)

	h := rpc.NewHandle(first)
	defer h.Close()
	status, replyBytes, err := h.Call(ProcClientMembers, "test", nil, time.Second)
	c.Assert(err, gocheck.IsNil)
	c.Assert(status, gocheck.Equals, rpc.OK)
	reply := &membersReply{}
	c.Assert(unmarshalMessage(replyBytes, reply), gocheck.IsNil)
	// current view plus the primary appended last
	c.Check(reply.Members[len(reply.Members)-1], gocheck.Equals, first)
	c.Check(reply.Members[0], gocheck.Equals, first)
}

package lock

import (
	"sync"
	"sync/atomic"
	"time"
)

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

// routes invocations straight into a Server's registered handlers,
// bypassing replication. Counts calls per procedure.
type fakeInvoker struct {
	id  int32
	rep *fakeReplicator
	srv *Server

	mutex sync.Mutex
	calls map[uint32]int
}

func newFakeInvoker(id int32, rep *fakeReplicator, srv *Server) *fakeInvoker {
	return &fakeInvoker{id: id, rep: rep, srv: srv, calls: make(map[uint32]int)}
}

func (f *fakeInvoker) ID() int32 { return f.id }

func (f *fakeInvoker) count(proc uint32) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[proc]
}

func (f *fakeInvoker) Invoke(proc uint32, req []byte) (rpc.Status, []byte) {
	f.mutex.Lock()
	f.calls[proc]++
	f.mutex.Unlock()

	f.rep.mutex.Lock()
	h := f.rep.handlers[proc]
	f.rep.mutex.Unlock()
	return h(req)
}

func (f *fakeInvoker) CallPrimary(proc uint32, req []byte, timeout time.Duration) (rpc.Status, []byte, error) {
	if proc == ProcSubscribe {
		status, body := f.srv.handleSubscribe("test", req)
		return status, body, nil
	}
	return rpc.RPCERR, nil, nil
}

func (f *fakeInvoker) SetPrimaryChanged(fn func(primary string)) {}

// clients wired to one in-process server; callbacks travel over the
// clients' real callback servers on loopback
type ClientCacheTest struct {
	rep     *fakeReplicator
	srv     *Server
	clients []*Client
}

var _ = gocheck.Suite(&ClientCacheTest{})

func (s *ClientCacheTest) SetUpTest(c *gocheck.C) {
	s.rep = newFakeReplicator(true)
	s.srv = NewServer(s.rep, rpc.NewServer("127.0.0.1:0"))
	s.clients = nil
}

func (s *ClientCacheTest) TearDownTest(c *gocheck.C) {
	for _, cl := range s.clients {
		cl.Stop()
	}
	s.srv.Stop()
}

func (s *ClientCacheTest) newClient(c *gocheck.C, id int32) (*Client, *fakeInvoker) {
	inv := newFakeInvoker(id, s.rep, s.srv)
	client, err := newClientWithInvoker(inv, nil)
	c.Assert(err, gocheck.IsNil)
	s.clients = append(s.clients, client)
	return client, inv
}

// a cached lock costs exactly one acquire rpc no matter how many
// local threads pass it around
func (s *ClientCacheTest) TestLocalHandoff(c *gocheck.C) {
	client, inv := s.newClient(c, 1)

	c.Assert(client.Acquire(7), gocheck.Equals, rpc.OK)
	c.Assert(client.Release(7), gocheck.Equals, rpc.OK)

	// a second thread takes the cached lock without traffic
	done := make(chan struct{})
	go func() {
		client.Acquire(7)
		client.Release(7)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatalf("second thread never got the cached lock")
	}

	c.Check(inv.count(ProcAcquire), gocheck.Equals, 1)
	c.Check(inv.count(ProcRelease), gocheck.Equals, 0)
}

// two clients contending: the revoke/retry cycle moves ownership
func (s *ClientCacheTest) TestTwoClientContention(c *gocheck.C) {
	a, _ := s.newClient(c, 1)
	b, invB := s.newClient(c, 2)

	c.Assert(a.Acquire(7), gocheck.Equals, rpc.OK)

	acquired := make(chan struct{})
	go func() {
		b.Acquire(7)
		close(acquired)
	}()

	// give b time to queue up and the revoke to land, then release
	time.Sleep(200 * time.Millisecond)
	c.Assert(a.Release(7), gocheck.Equals, rpc.OK)

	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		c.Fatalf("b never acquired after a's release")
	}

	// b's winning sequence is the first one it minted
	b.mutex.Lock()
	c.Check(b.entry(7).seqnum, gocheck.Equals, uint32(1))
	b.mutex.Unlock()

	c.Assert(b.Release(7), gocheck.Equals, rpc.OK)

	// b's ownership came from the server, not a local cache hit
	c.Check(invB.count(ProcAcquire) >= 1, gocheck.Equals, true)
}

// mutual exclusion: no two holders at any instant
func (s *ClientCacheTest) TestMutualExclusion(c *gocheck.C) {
	a, _ := s.newClient(c, 1)
	b, _ := s.newClient(c, 2)

	var holders int32
	var wg sync.WaitGroup
	hold := func(client *Client) {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			c.Assert(client.Acquire(7), gocheck.Equals, rpc.OK)
			if atomic.AddInt32(&holders, 1) != 1 {
				c.Errorf("two holders at once")
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			c.Assert(client.Release(7), gocheck.Equals, rpc.OK)
		}
	}
	wg.Add(2)
	go hold(a)
	go hold(b)
	wg.Wait()
}

// scripted invoker for the out of order cases
type scriptedInvoker struct {
	id int32

	mutex    sync.Mutex
	script   []rpc.Status
	acquires int
	releases int
	// acquire blocks until this channel is closed, when set
	gate chan struct{}
}

func (f *scriptedInvoker) ID() int32 { return f.id }

func (f *scriptedInvoker) Invoke(proc uint32, req []byte) (rpc.Status, []byte) {
	if proc == ProcRelease {
		f.mutex.Lock()
		f.releases++
		f.mutex.Unlock()
		return rpc.OK, nil
	}

	f.mutex.Lock()
	gate := f.gate
	var status rpc.Status = rpc.OK
	if len(f.script) > 0 {
		status = f.script[0]
		f.script = f.script[1:]
	}
	f.acquires++
	f.mutex.Unlock()

	if gate != nil {
		<-gate
	}
	return status, nil
}

func (f *scriptedInvoker) CallPrimary(proc uint32, req []byte, timeout time.Duration) (rpc.Status, []byte, error) {
	return rpc.OK, nil, nil
}

func (f *scriptedInvoker) SetPrimaryChanged(fn func(primary string)) {}

type OutOfOrderTest struct {
	clients []*Client
}

var _ = gocheck.Suite(&OutOfOrderTest{})

func (s *OutOfOrderTest) TearDownTest(c *gocheck.C) {
	for _, cl := range s.clients {
		cl.Stop()
	}
	s.clients = nil
}

// a revoke that overtakes its acquire reply: the client must hand
// the lock back on release instead of caching it
func (s *OutOfOrderTest) TestRevokeBeforeAcquireReply(c *gocheck.C) {
	inv := &scriptedInvoker{id: 1, gate: make(chan struct{})}
	client, err := newClientWithInvoker(inv, nil)
	c.Assert(err, gocheck.IsNil)
	s.clients = append(s.clients, client)

	acquired := make(chan struct{})
	go func() {
		client.Acquire(7)
		close(acquired)
	}()

	// wait until the acquire rpc is outstanding
	for {
		inv.mutex.Lock()
		out := inv.acquires > 0
		inv.mutex.Unlock()
		if out {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the revoke for seq 1 arrives before the reply
	status, _ := client.handleRevoke("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 1}))
	c.Assert(status, gocheck.Equals, rpc.OK)
	client.mutex.Lock()
	c.Check(client.entry(7).seqnumAtRevoke, gocheck.Equals, uint32(1))
	c.Check(client.entry(7).status, gocheck.Equals, lockAcquiring)
	client.mutex.Unlock()

	// now the OK lands and the holder locks
	close(inv.gate)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		c.Fatalf("acquire never completed")
	}

	// the release must go to the server, not the local cache
	c.Assert(client.Release(7), gocheck.Equals, rpc.OK)
	deadline := time.Now().Add(5 * time.Second)
	for {
		inv.mutex.Lock()
		released := inv.releases
		inv.mutex.Unlock()
		if released == 1 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("release never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// callbacks at or below an already seen sequence have no observable
// effect
func (s *OutOfOrderTest) TestCallbackIdempotence(c *gocheck.C) {
	inv := &scriptedInvoker{id: 1}
	client, err := newClientWithInvoker(inv, nil)
	c.Assert(err, gocheck.IsNil)
	s.clients = append(s.clients, client)

	client.handleRevoke("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 3}))
	client.handleRetry("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 4}))

	// replays and stragglers change nothing
	client.handleRevoke("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 3}))
	client.handleRevoke("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 1}))
	client.handleRetry("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 2}))

	client.mutex.Lock()
	c.Check(client.entry(7).seqnumAtRevoke, gocheck.Equals, uint32(3))
	c.Check(client.entry(7).seqnumAtRetry, gocheck.Equals, uint32(4))
	client.mutex.Unlock()
}

// a RETRY answer parks the acquire until a retry callback with a
// current sequence arrives; stale callbacks are skipped
func (s *OutOfOrderTest) TestRetryCallbackWakesAcquire(c *gocheck.C) {
	inv := &scriptedInvoker{id: 1, script: []rpc.Status{rpc.RETRY, rpc.OK}}
	client, err := newClientWithInvoker(inv, nil)
	c.Assert(err, gocheck.IsNil)
	s.clients = append(s.clients, client)

	acquired := make(chan struct{})
	go func() {
		client.Acquire(7)
		close(acquired)
	}()

	// a stale retry (seq 0) must not wake it
	client.handleRetry("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 0}))
	select {
	case <-acquired:
		c.Fatalf("stale retry woke the acquire")
	case <-time.After(200 * time.Millisecond):
	}

	// the current retry does
	client.handleRetry("server", marshalMessage(&callbackArgs{Lid: 7, Seq: 1}))
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		c.Fatalf("acquire never completed after retry")
	}

	inv.mutex.Lock()
	c.Check(inv.acquires, gocheck.Equals, 2)
	inv.mutex.Unlock()
}

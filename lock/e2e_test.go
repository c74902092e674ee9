package lock

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
	"github.com/Bipinoli/distributed-file-system/rsm"
)

func freeAddr(c *gocheck.C) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, gocheck.IsNil)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// the whole stack on loopback: rsm node, lock server application,
// lock clients with live callback channels
type EndToEndTest struct {
	r       *rsm.RSM
	srv     *Server
	addr    string
	clients []*Client
}

var _ = gocheck.Suite(&EndToEndTest{})

func (s *EndToEndTest) SetUpTest(c *gocheck.C) {
	s.addr = freeAddr(c)
	r, err := rsm.New(s.addr, s.addr, c.MkDir())
	c.Assert(err, gocheck.IsNil)
	s.r = r
	s.srv = NewServer(r, r.Config().Server())
	c.Assert(r.Start(), gocheck.IsNil)
	s.clients = nil
}

func (s *EndToEndTest) TearDownTest(c *gocheck.C) {
	for _, cl := range s.clients {
		cl.Stop()
	}
	s.srv.Stop()
	s.r.Stop()
}

func (s *EndToEndTest) newClient(c *gocheck.C) *Client {
	client, err := NewClient(s.addr, nil)
	c.Assert(err, gocheck.IsNil)
	s.clients = append(s.clients, client)
	return client
}

func (s *EndToEndTest) TestAcquireReleaseOverNetwork(c *gocheck.C) {
	client := s.newClient(c)
	c.Assert(client.Acquire(7), gocheck.Equals, rpc.OK)
	c.Assert(client.Release(7), gocheck.Equals, rpc.OK)

	// ownership stayed cached: the server still sees client as the
	// owner with the lock logically free on the client side
	c.Assert(client.Acquire(7), gocheck.Equals, rpc.OK)
	c.Assert(client.Release(7), gocheck.Equals, rpc.OK)
}

func (s *EndToEndTest) TestContentionHandsOver(c *gocheck.C) {
	a := s.newClient(c)
	b := s.newClient(c)

	c.Assert(a.Acquire(7), gocheck.Equals, rpc.OK)

	acquired := make(chan struct{})
	go func() {
		b.Acquire(7)
		close(acquired)
	}()

	time.Sleep(300 * time.Millisecond)
	c.Assert(a.Release(7), gocheck.Equals, rpc.OK)

	select {
	case <-acquired:
	case <-time.After(15 * time.Second):
		c.Fatalf("handover never happened")
	}
	c.Assert(b.Release(7), gocheck.Equals, rpc.OK)
}

func (s *EndToEndTest) TestMutualExclusionOverNetwork(c *gocheck.C) {
	a := s.newClient(c)
	b := s.newClient(c)

	var holders int32
	var wg sync.WaitGroup
	hold := func(client *Client, rounds int) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			c.Assert(client.Acquire(33), gocheck.Equals, rpc.OK)
			if atomic.AddInt32(&holders, 1) != 1 {
				c.Errorf("mutual exclusion violated")
			}
			atomic.AddInt32(&holders, -1)
			c.Assert(client.Release(33), gocheck.Equals, rpc.OK)
		}
	}
	wg.Add(2)
	go hold(a, 3)
	go hold(b, 3)
	wg.Wait()
}

// independent locks don't interfere
func (s *EndToEndTest) TestIndependentLocks(c *gocheck.C) {
	a := s.newClient(c)
	b := s.newClient(c)

	c.Assert(a.Acquire(1), gocheck.Equals, rpc.OK)
	done := make(chan struct{})
	go func() {
		b.Acquire(2)
		b.Release(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatalf("unrelated lock blocked")
	}
	c.Assert(a.Release(1), gocheck.Equals, rpc.OK)
}

/*
View management for the replicated state machine.

A view is an ordered list of member addresses. Each view is a Paxos
decided value whose instance number is the view id. Nodes propose
membership changes by running Paxos for the next instance; committed
views are reported upward through the CommitChange upcall.
 */
package config

import (
	"strings"
	"sync"
	"time"
)

import (
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/paxos"
	"github.com/Bipinoli/distributed-file-system/rpc"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("config")
}

const ProcHeartbeat = uint32(0x21)

var (
	HeartbeatInterval = time.Second
	HeartbeatTimeout  = time.Second
)

// the layer above is told about committed views through this upcall,
// invoked without the config mutex held
type ViewChange interface {
	CommitChange()
}

type Config struct {
	mutex sync.Mutex

	me       string
	acceptor *paxos.Acceptor
	proposer *paxos.Proposer
	server   *rpc.Server
	handles  *rpc.HandleCache
	vc       ViewChange

	// current view id and members
	myvid uint64
	mems  []string
	// decided views by id, for prevview lookups
	views map[uint64][]string

	stopped bool
}

// New builds the node's config layer: the shared rpc server, the
// paxos acceptor (seeded with the initial single member view when
// this node is the first) and the proposer. The server is not
// started; the caller registers its own procedures first and then
// calls Start.
func New(first string, me string, logdir string) (*Config, error) {
	c := &Config{
		me:      me,
		server:  rpc.NewServer(me),
		handles: rpc.NewHandleCache(),
		views:   make(map[uint64][]string),
	}

	acceptor, err := paxos.NewAcceptor(c, first == me, me, encodeView([]string{first}), logdir)
	if err != nil {
		return nil, err
	}
	c.acceptor = acceptor
	c.proposer = paxos.NewProposer(acceptor, me, c.handles)
	c.acceptor.RegisterHandlers(c.server)
	c.server.Register(ProcHeartbeat, c.handleHeartbeat)

	c.reconstructViews()
	return c, nil
}

// rebuilds the view history from the acceptor's decided instances.
// Runs at startup and after a log restore.
func (c *Config) reconstructViews() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.views = make(map[uint64][]string)
	high := c.acceptor.HighestInstance()
	for i := uint64(1); i <= high; i++ {
		if v, decided := c.acceptor.Value(i); decided {
			c.views[i] = decodeView(v)
		}
	}
	c.myvid = high
	c.mems = c.views[high]
	logger.Infof("view history rebuilt: vid=%v members=%v", c.myvid, c.mems)
}

func (c *Config) SetViewChange(vc ViewChange) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.vc = vc
}

// the node's rpc server; the rsm registers its procedures here so
// one port serves paxos, config and replication traffic
func (c *Config) Server() *rpc.Server { return c.server }

func (c *Config) MyAddr() string { return c.me }

func (c *Config) Start() error {
	if err := c.server.Start(); err != nil {
		return err
	}
	go c.heartbeater()
	return nil
}

func (c *Config) Stop() {
	c.mutex.Lock()
	c.stopped = true
	c.mutex.Unlock()
	c.server.Stop()
	c.acceptor.Close()
}

func (c *Config) isStopped() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stopped
}

func (c *Config) Vid() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.myvid
}

func (c *Config) GetCurview() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return copyView(c.mems)
}

func (c *Config) GetPrevview() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.myvid == 0 {
		return nil
	}
	return copyView(c.views[c.myvid-1])
}

func (c *Config) IsMember(addr string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return isamember(addr, c.mems)
}

// PaxosCommit is the upcall from the acceptor when an instance is
// decided. Views must be applied in order; an instance at or below
// the current vid is stale.
func (c *Config) PaxosCommit(instance uint64, value string) {
	c.mutex.Lock()
	if instance <= c.myvid {
		c.mutex.Unlock()
		return
	}
	c.views[instance] = decodeView(value)
	c.myvid = instance
	c.mems = c.views[instance]
	vc := c.vc
	logger.Infof("view %v committed: %v", instance, c.mems)
	c.mutex.Unlock()

	if vc != nil {
		vc.CommitChange()
	}
}

// Add proposes a new view containing the node. Driven by the primary
// when a node joins.
func (c *Config) Add(addr string) {
	c.mutex.Lock()
	if isamember(addr, c.mems) {
		c.mutex.Unlock()
		return
	}
	nextVid := c.myvid + 1
	nodes := copyView(c.mems)
	newview := append(copyView(c.mems), addr)
	c.mutex.Unlock()

	logger.Infof("proposing view %v adding %v", nextVid, addr)
	c.proposer.Run(nextVid, nodes, encodeView(newview))
}

// Remove proposes a new view without the node. Driven by failure
// detection; agreement only needs a majority of the current view, so
// the dead member not voting is fine.
func (c *Config) Remove(addr string) {
	c.mutex.Lock()
	if !isamember(addr, c.mems) {
		c.mutex.Unlock()
		return
	}
	nextVid := c.myvid + 1
	nodes := copyView(c.mems)
	newview := make([]string, 0, len(c.mems)-1)
	for _, m := range c.mems {
		if m != addr {
			newview = append(newview, m)
		}
	}
	c.mutex.Unlock()

	logger.Infof("proposing view %v removing %v", nextVid, addr)
	c.proposer.Run(nextVid, nodes, encodeView(newview))
}

// serialized decided-instance log, handed to joining nodes
func (c *Config) Dump() (string, error) {
	return c.acceptor.Dump()
}

func (c *Config) Restore(s string) error {
	if err := c.acceptor.Restore(s); err != nil {
		return err
	}
	c.reconstructViews()
	return nil
}

// periodically pings the other members; an unreachable member is
// proposed for removal
func (c *Config) heartbeater() {
	for {
		time.Sleep(HeartbeatInterval)
		if c.isStopped() {
			return
		}

		c.mutex.Lock()
		members := copyView(c.mems)
		amMember := isamember(c.me, c.mems)
		c.mutex.Unlock()
		if !amMember {
			continue
		}

		for _, m := range members {
			if m == c.me {
				continue
			}
			h := c.handles.GetHandle(m)
			status, _, err := h.Call(ProcHeartbeat, c.me, nil, HeartbeatTimeout)
			if err != nil || status != rpc.OK {
				logger.Warningf("heartbeat to %v failed, proposing removal", m)
				c.handles.Invalidate(m)
				c.Remove(m)
			}
		}
	}
}

func (c *Config) handleHeartbeat(src string, args []byte) (rpc.Status, []byte) {
	return rpc.OK, nil
}

func encodeView(members []string) string {
	return strings.Join(members, ",")
}

func decodeView(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func copyView(members []string) []string {
	view := make([]string, len(members))
	copy(view, members)
	return view
}

func isamember(m string, nodes []string) bool {
	for _, n := range nodes {
		if n == m {
			return true
		}
	}
	return false
}

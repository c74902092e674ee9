package paxos

import (
	"bufio"
	"bytes"
	"math/rand"
	"os"
	"sync"
	"time"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

var (
	// per peer deadline for prepare/accept/decide calls
	CallTimeout = time.Second
)

// replaceable for tests that need a deterministic duel
var proposerJitter = func() {
	// reduces duelling proposers; both backing off the same amount
	// is what livelocks
	time.Sleep(time.Duration(10+rand.Intn(11)) * time.Millisecond)
}

type Proposer struct {
	mutex   sync.Mutex
	me      string
	acc     *Acceptor
	handles *rpc.HandleCache

	myN Proposal
	// false while a run is in progress
	stable bool

	// testing breakpoints, see Breakpoint
	break1 bool
	break2 bool
}

func NewProposer(acc *Acceptor, me string, handles *rpc.HandleCache) *Proposer {
	return &Proposer{
		me:      me,
		acc:     acc,
		handles: handles,
		myN:     Proposal{N: 0, M: me},
		stable:  true,
	}
}

func (p *Proposer) IsRunning() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return !p.stable
}

// assumes p.mutex is held
func (p *Proposer) setn() {
	if nh := p.acc.HighestPromised(); nh.N > p.myN.N {
		p.myN.N = nh.N + 1
	} else {
		p.myN.N++
	}
	p.myN.M = p.me
}

// Run drives one round of Paxos for the instance against the given
// node list. Returns true if the round decided the proposed value
// (or a value recovered from a prior round); false if another run is
// in progress, a majority was not reached, or the instance turned
// out to be already decided (in which case the decided value has
// been committed locally).
func (p *Proposer) Run(instance uint64, nodes []string, v string) bool {
	p.mutex.Lock()
	if !p.stable {
		logger.Debugf("proposer: already running")
		p.mutex.Unlock()
		return false
	}
	p.stable = false
	p.setn()
	myN := p.myN
	p.mutex.Unlock()

	defer func() {
		p.mutex.Lock()
		p.stable = true
		p.mutex.Unlock()
	}()

	logger.Infof("proposer: instance %v for %v nodes n=(%v,%v)", instance, len(nodes), myN.N, myN.M)
	proposerJitter()

	accepts, value, ok := p.prepare(instance, myN, nodes)
	if !ok {
		logger.Infof("proposer: instance %v already decided elsewhere", instance)
		return false
	}
	if !majority(nodes, accepts) {
		logger.Infof("proposer: no majority of prepare responses")
		return false
	}
	if value == "" {
		value = v
	}

	p.breakpoint1()

	accepted := p.accept(instance, myN, accepts, value)
	if !majority(nodes, accepted) {
		logger.Infof("proposer: no majority of accept responses")
		return false
	}

	p.breakpoint2()

	p.decide(instance, accepted, value)
	return true
}

// prepare phase: concurrently asks every node to promise. Returns
// the promising nodes and the value of the highest numbered accepted
// proposal seen, if any. ok=false means some node already decided
// this instance; its value has been committed locally.
func (p *Proposer) prepare(instance uint64, myN Proposal, nodes []string) (accepts []string, value string, ok bool) {
	var mutex sync.Mutex
	var wg sync.WaitGroup
	var maxN Proposal
	oldInstance := false

	args := marshalMessage(&prepareArgs{Instance: instance, N: myN})
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			h := p.handles.GetHandle(node)
			status, replyBytes, err := h.Call(ProcPrepare, p.me, args, CallTimeout)
			if err != nil || status != rpc.OK {
				return
			}
			reply := &prepareReply{}
			if err := reply.Deserialize(bufio.NewReader(bytes.NewReader(replyBytes))); err != nil {
				logger.Warningf("proposer: bad prepare reply from %v: %v", node, err)
				return
			}

			mutex.Lock()
			defer mutex.Unlock()
			if reply.OldInstance {
				oldInstance = true
				p.acc.Commit(instance, reply.Va)
			} else if reply.Accept {
				accepts = append(accepts, node)
				if reply.Na.GreaterThan(maxN) && reply.Va != "" {
					maxN = reply.Na
					value = reply.Va
				}
			}
		}(node)
	}
	wg.Wait()

	if oldInstance {
		return nil, "", false
	}
	return accepts, value, true
}

// accept phase: asks the promising nodes to accept the value
func (p *Proposer) accept(instance uint64, myN Proposal, nodes []string, v string) []string {
	var mutex sync.Mutex
	var wg sync.WaitGroup
	accepted := make([]string, 0, len(nodes))

	args := marshalMessage(&acceptArgs{Instance: instance, N: myN, V: v})
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			h := p.handles.GetHandle(node)
			status, reply, err := h.Call(ProcAccept, p.me, args, CallTimeout)
			if err != nil || status != rpc.OK {
				return
			}
			if len(reply) == 1 && reply[0] != 0 {
				mutex.Lock()
				accepted = append(accepted, node)
				mutex.Unlock()
			}
		}(node)
	}
	wg.Wait()
	return accepted
}

// decide phase: commits locally, then tells the accepting nodes.
// Decide messages are fire and forget; a node that misses one learns
// the value from a later oldinstance reply.
func (p *Proposer) decide(instance uint64, nodes []string, v string) {
	p.acc.Commit(instance, v)
	args := marshalMessage(&decideArgs{Instance: instance, V: v})
	for _, node := range nodes {
		if node == p.me {
			continue
		}
		go func(node string) {
			h := p.handles.GetHandle(node)
			h.Call(ProcDecide, p.me, args, CallTimeout)
		}(node)
	}
}

// check if l2 contains a majority of the servers in l1
func majority(l1 []string, l2 []string) bool {
	n := 0
	for _, m := range l1 {
		if isamember(m, l2) {
			n++
		}
	}
	return n >= len(l1)/2+1
}

// Breakpoint arms one of the testing breakpoints: 3 kills the
// process between prepare and accept, 4 between accept and decide.
// Used to validate that agreement survives a proposer dying mid
// round.
func (p *Proposer) Breakpoint(b int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if b == 3 {
		p.break1 = true
	} else if b == 4 {
		p.break2 = true
	}
}

func (p *Proposer) breakpoint1() {
	p.mutex.Lock()
	armed := p.break1
	p.mutex.Unlock()
	if armed {
		logger.Criticalf("dying at breakpoint 1")
		os.Exit(1)
	}
}

func (p *Proposer) breakpoint2() {
	p.mutex.Lock()
	armed := p.break2
	p.mutex.Unlock()
	if armed {
		logger.Criticalf("dying at breakpoint 2")
		os.Exit(1)
	}
}

package paxos

import (
	"bufio"
	"bytes"
	"sync"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

// the layer above is told about agreed values through this upcall.
// It is always invoked without the acceptor mutex held.
type Change interface {
	PaxosCommit(instance uint64, value string)
}

type Acceptor struct {
	mutex sync.Mutex
	me    string
	cfg   Change
	log   *Log

	// highest proposal promised
	nh Proposal
	// highest proposal accepted and its value
	na Proposal
	va string
	// highest decided instance
	instanceH uint64
	// decided values per instance
	values map[uint64]string
}

// NewAcceptor replays any durable state from the log directory. The
// first node of a fresh deployment seeds instance 1 with the initial
// view value.
func NewAcceptor(cfg Change, first bool, me string, firstValue string, logdir string) (*Acceptor, error) {
	a := &Acceptor{
		me:     me,
		cfg:    cfg,
		values: make(map[uint64]string),
		nh:     Proposal{N: 0, M: me},
		na:     Proposal{N: 0, M: me},
	}

	log, err := NewLog(logdir, me)
	if err != nil {
		return nil, err
	}
	a.log = log
	if err := a.log.Replay(a); err != nil {
		return nil, err
	}

	if a.instanceH == 0 && first {
		a.values[1] = firstValue
		a.log.LogInstance(1, firstValue)
		a.instanceH = 1
	}
	return a, nil
}

// log replay callbacks. Mirror the mutations that produced each
// record, including the state reset a decided instance implies.
func (a *Acceptor) applyHigh(n Proposal) {
	a.nh = n
}

func (a *Acceptor) applyProp(n Proposal, v string) {
	a.na = n
	a.va = v
}

func (a *Acceptor) applyInstance(instance uint64, v string) {
	a.values[instance] = v
	if instance > a.instanceH {
		a.instanceH = instance
	}
	a.nh = Proposal{N: 0, M: a.me}
	a.na = Proposal{N: 0, M: a.me}
	a.va = ""
}

func (a *Acceptor) RegisterHandlers(server *rpc.Server) {
	server.Register(ProcPrepare, a.handlePrepare)
	server.Register(ProcAccept, a.handleAccept)
	server.Register(ProcDecide, a.handleDecide)
}

func (a *Acceptor) handlePrepare(src string, args []byte) (rpc.Status, []byte) {
	pa := &prepareArgs{}
	if err := pa.Deserialize(bufio.NewReader(bytes.NewReader(args))); err != nil {
		logger.Warningf("prepare from %v: bad args: %v", src, err)
		return rpc.RPCERR, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	reply := &prepareReply{}
	if pa.Instance <= a.instanceH {
		reply.OldInstance = true
		reply.Na = a.na
		reply.Va = a.values[pa.Instance]
	} else if pa.N.GreaterThan(a.nh) {
		a.nh = pa.N
		a.log.LogHigh(a.nh)
		reply.Accept = true
		reply.Na = a.na
		reply.Va = a.va
	} else {
		reply.Na = a.na
		reply.Va = a.va
	}
	return rpc.OK, marshalMessage(reply)
}

func (a *Acceptor) handleAccept(src string, args []byte) (rpc.Status, []byte) {
	aa := &acceptArgs{}
	if err := aa.Deserialize(bufio.NewReader(bytes.NewReader(args))); err != nil {
		logger.Warningf("accept from %v: bad args: %v", src, err)
		return rpc.RPCERR, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	accepted := false
	if aa.Instance > a.instanceH && aa.N.GreaterEq(a.nh) {
		a.na = aa.N
		a.va = aa.V
		a.log.LogProp(a.na, a.va)
		accepted = true
	}
	return rpc.OK, []byte{boolByte(accepted)}
}

func (a *Acceptor) handleDecide(src string, args []byte) (rpc.Status, []byte) {
	da := &decideArgs{}
	if err := da.Deserialize(bufio.NewReader(bytes.NewReader(args))); err != nil {
		logger.Warningf("decide from %v: bad args: %v", src, err)
		return rpc.RPCERR, nil
	}

	a.mutex.Lock()
	if da.Instance <= a.instanceH {
		a.mutex.Unlock()
		return rpc.OK, nil
	}
	a.commitLocked(da.Instance, da.V)
	a.mutex.Unlock()
	return rpc.OK, nil
}

// Commit records an agreed value and upcalls the configuration
// layer. Safe to call from the proposer and from the decide handler.
func (a *Acceptor) Commit(instance uint64, v string) {
	a.mutex.Lock()
	a.commitLocked(instance, v)
	a.mutex.Unlock()
}

// assumes a.mutex is held. Releases it around the upcall so the
// layer above can call back down.
func (a *Acceptor) commitLocked(instance uint64, v string) {
	if instance <= a.instanceH {
		return
	}
	logger.Infof("commit: instance %v decided", instance)
	a.values[instance] = v
	a.log.LogInstance(instance, v)
	a.instanceH = instance
	a.nh = Proposal{N: 0, M: a.me}
	a.na = Proposal{N: 0, M: a.me}
	a.va = ""
	if a.cfg != nil {
		a.mutex.Unlock()
		a.cfg.PaxosCommit(instance, v)
		a.mutex.Lock()
	}
}

func (a *Acceptor) HighestPromised() Proposal {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.nh
}

func (a *Acceptor) HighestInstance() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.instanceH
}

// the decided value of an instance, if any
func (a *Acceptor) Value(instance uint64) (string, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	v, decided := a.values[instance]
	return v, decided
}

func (a *Acceptor) Dump() (string, error) {
	return a.log.Dump()
}

// Restore overwrites the log with a dump from another node and
// replays it. Used when joining an existing deployment.
func (a *Acceptor) Restore(s string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if err := a.log.Restore(s); err != nil {
		return err
	}
	a.values = make(map[uint64]string)
	a.nh = Proposal{N: 0, M: a.me}
	a.na = Proposal{N: 0, M: a.me}
	a.va = ""
	a.instanceH = 0
	return a.log.Replay(a)
}

func (a *Acceptor) Close() {
	a.log.Close()
}

package lock

import (
	"bufio"
	"bytes"
	"sort"
	"sync"
)

import (
	"github.com/cactus/go-statsd-client/statsd"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
	"github.com/Bipinoli/distributed-file-system/rsm"
	"github.com/Bipinoli/distributed-file-system/serializer"
)

// server side lock states
const (
	stateFree = byte(iota)
	stateLocked
	stateRevoking
)

// what the server needs from the replication layer. *rsm.RSM
// satisfies it.
type replicator interface {
	Register(proc uint32, h rsm.Handler)
	SetStateTransfer(stf rsm.StateTransfer)
	AmIPrimary() bool
}

// one callback channel to a subscribed client
type subscriber interface {
	Revoke(lid LockID, seq uint32) error
	Retry(lid LockID, seq uint32) error
	Close()
}

// replaceable so tests can capture callbacks in process
var newSubscriber = func(addr string) subscriber {
	return &rpcSubscriber{handle: rpc.NewHandle(addr)}
}

type rpcSubscriber struct {
	handle *rpc.Handle
}

func (s *rpcSubscriber) call(proc uint32, lid LockID, seq uint32) error {
	args := marshalMessage(&callbackArgs{Lid: lid, Seq: seq})
	_, _, err := s.handle.Call(proc, "lockserver", args, CallbackTimeout)
	return err
}

func (s *rpcSubscriber) Revoke(lid LockID, seq uint32) error {
	return s.call(ProcRevoke, lid, seq)
}

func (s *rpcSubscriber) Retry(lid LockID, seq uint32) error {
	return s.call(ProcRetry, lid, seq)
}

func (s *rpcSubscriber) Close() {
	s.handle.Close()
}

// replicated per lock state
type lockState struct {
	status  byte
	owner   clientSeq
	waiting []clientSeq
}

// Server is the caching lock manager, plugged into the rsm as its
// application. acquire and release mutate the replicated lock table
// and run identically on every replica; the revoker and retryer
// threads deliver callbacks and run effectively only on the primary.
type Server struct {
	mutex sync.Mutex
	rsm   replicator

	// replicated: lid → state
	locks map[LockID]*lockState
	// not replicated: clients re-subscribe against a new primary
	subscribers map[int32]subscriber

	revokeQueue *eventQueue[LockID]
	retryQueue  *eventQueue[LockID]

	stats statsd.Statter
}

// NewServer registers the replicated lock procedures and the state
// transfer hooks on the replicator, the subscribe procedure on the
// node's rpc server, and starts the revoker and retryer threads.
func NewServer(r replicator, server *rpc.Server) *Server {
	s := &Server{
		rsm:         r,
		locks:       make(map[LockID]*lockState),
		subscribers: make(map[int32]subscriber),
		revokeQueue: newEventQueue[LockID](),
		retryQueue:  newEventQueue[LockID](),
	}
	s.stats, _ = statsd.NewNoopClient()

	r.Register(ProcAcquire, s.handleAcquire)
	r.Register(ProcRelease, s.handleRelease)
	r.SetStateTransfer(s)
	server.Register(ProcSubscribe, s.handleSubscribe)

	go s.revoker()
	go s.retryer()
	return s
}

func (s *Server) SetStats(stats statsd.Statter) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stats = stats
}

func (s *Server) Stop() {
	s.revokeQueue.close()
	s.retryQueue.close()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, sub := range s.subscribers {
		sub.Close()
	}
	s.subscribers = make(map[int32]subscriber)
}

// assumes s.mutex is held
func (s *Server) lock(lid LockID) *lockState {
	l := s.locks[lid]
	if l == nil {
		l = &lockState{status: stateFree}
		s.locks[lid] = l
	}
	return l
}

/************** replicated handlers **************/

func (s *Server) handleAcquire(req []byte) (rpc.Status, []byte) {
	args := &lockArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}
	return s.acquire(args.Clt, args.Lid, args.Seq), nil
}

func (s *Server) acquire(clt int32, lid LockID, seq uint32) rpc.Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	client := clientSeq{Clt: clt, Seq: seq}
	l := s.lock(lid)

	switch l.status {
	case stateLocked:
		l.waiting = append(l.waiting, client)
		l.status = stateRevoking
		s.revokeQueue.add(lid)
		s.stats.Inc("lock.acquire.retry", 1, 1.0)
		return rpc.RETRY

	case stateRevoking:
		l.waiting = append(l.waiting, client)
		s.stats.Inc("lock.acquire.retry", 1, 1.0)
		return rpc.RETRY

	case stateFree:
		l.owner = client
		if len(l.waiting) > 0 {
			// someone queued up while the lock was in flight; the
			// new owner gets the lock and an immediate revoke
			l.status = stateRevoking
			s.revokeQueue.add(lid)
			s.stats.Inc("lock.acquire.ok", 1, 1.0)
			return rpc.OK
		}
		l.status = stateLocked
		s.stats.Inc("lock.acquire.ok", 1, 1.0)
		return rpc.OK
	}
	return rpc.RPCERR
}

func (s *Server) handleRelease(req []byte) (rpc.Status, []byte) {
	args := &lockArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}
	return s.release(args.Clt, args.Lid, args.Seq), nil
}

func (s *Server) release(clt int32, lid LockID, seq uint32) rpc.Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	l := s.lock(lid)
	l.status = stateFree
	s.retryQueue.add(lid)
	s.stats.Inc("lock.release", 1, 1.0)
	return rpc.OK
}

/************** subscriptions **************/

func (s *Server) handleSubscribe(src string, req []byte) (rpc.Status, []byte) {
	args := &subscribeArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	sub := newSubscriber(args.Addr)
	s.mutex.Lock()
	if old := s.subscribers[args.Clt]; old != nil {
		old.Close()
	}
	s.subscribers[args.Clt] = sub
	s.mutex.Unlock()

	logger.Infof("client %v subscribed callbacks at %v", args.Clt, args.Addr)
	return rpc.OK, nil
}

// assumes s.mutex is held
func (s *Server) dropSubscriberLocked(clt int32) {
	if sub := s.subscribers[clt]; sub != nil {
		sub.Close()
		delete(s.subscribers, clt)
	}
}

/************** callback threads **************/

// sends revoke messages to lock holders whenever another client
// wants the same lock. Runs on every replica but only the primary
// delivers.
func (s *Server) revoker() {
	for {
		lid, ok := s.revokeQueue.consume()
		if !ok {
			return
		}
		if !s.rsm.AmIPrimary() {
			continue
		}

		s.mutex.Lock()
		l := s.locks[lid]
		if l == nil {
			s.mutex.Unlock()
			continue
		}
		owner := l.owner
		sub := s.subscribers[owner.Clt]
		s.mutex.Unlock()

		if sub == nil {
			logger.Warningf("revoker: no callback channel for client %v", owner.Clt)
			continue
		}
		if err := sub.Revoke(lid, owner.Seq); err != nil {
			logger.Warningf("revoker: revoke(%v) to client %v failed: %v", lid, owner.Clt, err)
			s.mutex.Lock()
			s.dropSubscriberLocked(owner.Clt)
			s.mutex.Unlock()
			continue
		}
		s.stats.Inc("lock.revoke", 1, 1.0)
	}
}

// waits for locks to be released and sends retry messages to the
// first waiter
func (s *Server) retryer() {
	for {
		lid, ok := s.retryQueue.consume()
		if !ok {
			return
		}
		if !s.rsm.AmIPrimary() {
			continue
		}

		s.mutex.Lock()
		l := s.locks[lid]
		if l == nil || len(l.waiting) == 0 {
			s.mutex.Unlock()
			continue
		}
		waiter := l.waiting[0]
		l.waiting = l.waiting[1:]
		sub := s.subscribers[waiter.Clt]
		s.mutex.Unlock()

		if sub == nil {
			logger.Warningf("retryer: no callback channel for client %v", waiter.Clt)
			continue
		}
		if err := sub.Retry(lid, waiter.Seq); err != nil {
			logger.Warningf("retryer: retry(%v) to client %v failed: %v", lid, waiter.Clt, err)
			s.mutex.Lock()
			s.dropSubscriberLocked(waiter.Clt)
			s.mutex.Unlock()
			continue
		}
		s.stats.Inc("lock.retry", 1, 1.0)
	}
}

/************** state transfer **************/

// MarshalState serializes the replicated lock table: count, then
// (lid, status, owner, waiter queue) tuples in lid order. Callback
// subscriptions are deliberately not part of the state, every
// replica gets its own when clients re-subscribe.
func (s *Server) MarshalState() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	lids := make([]LockID, 0, len(s.locks))
	for lid := range s.locks {
		lids = append(lids, lid)
	}
	sort.Slice(lids, func(i, j int) bool { return lids[i] < lids[j] })

	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	check := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	check(serializer.WriteUint64(writer, uint64(len(lids))))
	for _, lid := range lids {
		l := s.locks[lid]
		check(serializer.WriteUint64(writer, uint64(lid)))
		check(serializer.WriteByte(writer, l.status))
		check(l.owner.serialize(writer))
		check(serializer.WriteUint64(writer, uint64(len(l.waiting))))
		for _, w := range l.waiting {
			check(w.serialize(writer))
		}
	}
	check(writer.Flush())
	return buf.Bytes()
}

func (s *Server) UnmarshalState(state []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	locks := make(map[LockID]*lockState)
	if len(state) > 0 {
		reader := bufio.NewReader(bytes.NewReader(state))
		count, err := serializer.ReadUint64(reader)
		if err != nil {
			panic(err)
		}
		for i := uint64(0); i < count; i++ {
			lid, err := serializer.ReadUint64(reader)
			if err != nil {
				panic(err)
			}
			l := &lockState{}
			if l.status, err = serializer.ReadByte(reader); err != nil {
				panic(err)
			}
			if err = l.owner.deserialize(reader); err != nil {
				panic(err)
			}
			waiters, err := serializer.ReadUint64(reader)
			if err != nil {
				panic(err)
			}
			if waiters > 0 {
				l.waiting = make([]clientSeq, waiters)
			}
			for j := range l.waiting {
				if err = l.waiting[j].deserialize(reader); err != nil {
					panic(err)
				}
			}
			locks[LockID(lid)] = l
		}
	}
	s.locks = locks
	logger.Infof("lock state restored: %v locks", len(locks))
}

package lock

import (
	"sync"
	"time"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
	"github.com/Bipinoli/distributed-file-system/rsm"
)

var (
	// server → client callback deadline
	CallbackTimeout = time.Second
	// pause between release attempts; releases retry until OK
	ReleaseRetryWait = 100 * time.Millisecond
	// subscribe round trip deadline
	SubscribeTimeout = time.Second
)

// client side lock states
const (
	lockNone = byte(iota)
	lockFree
	lockLocked
	lockAcquiring
	lockReleasing
)

// Callers that cache data under a lock implement ReleaseUser; the
// releaser thread calls DoRelease before giving ownership back to
// the server, which is where write through caches flush.
type ReleaseUser interface {
	DoRelease(lid LockID)
}

type lockEntry struct {
	status byte
	// minted at each acquire attempt, strictly increasing per lock
	seqnum uint32
	// highest retry / revoke sequence seen from the server
	seqnumAtRetry  uint32
	seqnumAtRevoke uint32
}

type releaseReq struct {
	lid LockID
	seq uint32
}

// what the cache needs from the rsm client. *rsm.Client satisfies
// it.
type invoker interface {
	ID() int32
	Invoke(proc uint32, req []byte) (rpc.Status, []byte)
	CallPrimary(proc uint32, req []byte, timeout time.Duration) (rpc.Status, []byte, error)
	SetPrimaryChanged(fn func(primary string))
}

// Client caches lock ownership. A lock the client owns with no
// revoke pending is handed to any number of local threads with zero
// server round trips; the server claws it back with a revoke
// callback and nudges waiters with retry callbacks. Sequence number
// comparisons make both callbacks idempotent and safe to reorder
// against the acquire/release traffic they race with.
type Client struct {
	mutex         sync.Mutex
	acquireSignal *sync.Cond
	retrySignal   *sync.Cond

	rsmc invoker
	lu   ReleaseUser
	clt  int32

	cache        map[LockID]*lockEntry
	releaseQueue *eventQueue[releaseReq]

	callback     *rpc.Server
	callbackAddr string
}

// NewClient builds a lock cache talking to the service at dst. lu
// may be nil; when set it is called before each release that goes
// back to the server.
func NewClient(dst string, lu ReleaseUser) (*Client, error) {
	return newClientWithInvoker(rsm.NewClient(dst), lu)
}

func newClientWithInvoker(rsmc invoker, lu ReleaseUser) (*Client, error) {
	c := &Client{
		rsmc:         rsmc,
		lu:           lu,
		clt:          rsmc.ID(),
		cache:        make(map[LockID]*lockEntry),
		releaseQueue: newEventQueue[releaseReq](),
	}
	c.acquireSignal = sync.NewCond(&c.mutex)
	c.retrySignal = sync.NewCond(&c.mutex)

	// callback endpoint on an ephemeral port, advertised through
	// subscribe
	c.callback = rpc.NewServer("127.0.0.1:0")
	c.callback.Register(ProcRevoke, c.handleRevoke)
	c.callback.Register(ProcRetry, c.handleRetry)
	if err := c.callback.Start(); err != nil {
		return nil, err
	}
	c.callbackAddr = c.callback.Addr()

	c.subscribe()
	// callback channels are not replicated; a new primary needs a
	// fresh subscription
	rsmc.SetPrimaryChanged(func(primary string) {
		go c.subscribe()
	})

	go c.releaser()
	return c, nil
}

func (c *Client) ID() int32 { return c.clt }

func (c *Client) Stop() {
	c.releaseQueue.close()
	c.callback.Stop()
}

func (c *Client) subscribe() {
	args := marshalMessage(&subscribeArgs{Clt: c.clt, Addr: c.callbackAddr})
	for attempt := 0; attempt < 10; attempt++ {
		status, _, err := c.rsmc.CallPrimary(ProcSubscribe, args, SubscribeTimeout)
		if err == nil && status == rpc.OK {
			return
		}
		time.Sleep(ReleaseRetryWait)
	}
	logger.Warningf("client %v: subscribe did not reach the primary", c.clt)
}

// assumes c.mutex is held
func (c *Client) entry(lid LockID) *lockEntry {
	e := c.cache[lid]
	if e == nil {
		e = &lockEntry{status: lockNone}
		c.cache[lid] = e
	}
	return e
}

// Acquire blocks until the calling thread holds the lock. Ownership
// already cached here costs no server traffic.
func (c *Client) Acquire(lid LockID) rpc.Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.entry(lid)
	for {
		switch e.status {
		case lockLocked, lockAcquiring, lockReleasing:
			c.acquireSignal.Wait()
			continue
		case lockFree:
			// cached ownership, no rpc
			e.status = lockLocked
			return rpc.OK
		}

		// NONE: go get ownership
		e.status = lockAcquiring
		e.seqnum++
		seq := e.seqnum
		args := marshalMessage(&lockArgs{Clt: c.clt, Lid: lid, Seq: seq})

		for {
			c.mutex.Unlock()
			status, _ := c.rsmc.Invoke(ProcAcquire, args)
			c.mutex.Lock()

			if status == rpc.OK {
				break
			}
			if status != rpc.RETRY {
				// transport trouble; ask again rather than wait for
				// a retry callback that may never come
				continue
			}
			// retries activated by outdated messages are skipped
			for e.seqnumAtRetry < e.seqnum {
				c.retrySignal.Wait()
			}
			// if this attempt still fails we must wait for another
			// retry callback; decrementing re-enters the wait above
			e.seqnumAtRetry--
		}

		e.status = lockLocked
		e.seqnumAtRetry = e.seqnum
		return rpc.OK
	}
}

// Release lets go of the calling thread's hold. With no revoke
// pending, ownership stays cached and local waiters take over;
// otherwise the lock is queued for the releaser thread to hand back
// to the server.
func (c *Client) Release(lid LockID) rpc.Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.entry(lid)
	if e.seqnumAtRevoke < e.seqnum {
		e.status = lockFree
		c.acquireSignal.Broadcast()
		return rpc.OK
	}
	e.status = lockReleasing
	c.releaseQueue.add(releaseReq{lid: lid, seq: e.seqnum})
	return rpc.OK
}

// the releaser thread hands revoked locks back to the server as soon
// as they are free, retrying the release until the server takes it
func (c *Client) releaser() {
	for {
		req, ok := c.releaseQueue.consume()
		if !ok {
			return
		}

		c.mutex.Lock()
		e := c.entry(req.lid)
		e.status = lockReleasing
		c.mutex.Unlock()

		if c.lu != nil {
			// flush point: cached data guarded by this lock goes
			// back before another client can acquire it
			c.lu.DoRelease(req.lid)
		}

		args := marshalMessage(&lockArgs{Clt: c.clt, Lid: req.lid, Seq: req.seq})
		for {
			status, _ := c.rsmc.Invoke(ProcRelease, args)
			if status == rpc.OK {
				break
			}
			time.Sleep(ReleaseRetryWait)
		}

		c.mutex.Lock()
		e.status = lockNone
		c.mutex.Unlock()
		c.acquireSignal.Broadcast()
	}
}

/************** callback handlers **************/

// revoke may arrive before the acquire it refers to has even been
// answered; recording the sequence is enough, the release path
// consults it
func (c *Client) handleRevoke(src string, req []byte) (rpc.Status, []byte) {
	args := &callbackArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.entry(args.Lid)
	if args.Seq <= e.seqnumAtRevoke {
		// duplicate or stale revoke, already answered
		return rpc.OK, nil
	}
	e.seqnumAtRevoke = args.Seq
	if e.status != lockFree {
		// a holder has it; the eventual release sees the recorded
		// revoke and queues the handback
		return rpc.OK, nil
	}
	e.status = lockReleasing
	c.releaseQueue.add(releaseReq{lid: args.Lid, seq: args.Seq})
	return rpc.OK, nil
}

func (c *Client) handleRetry(src string, req []byte) (rpc.Status, []byte) {
	args := &callbackArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	c.mutex.Lock()
	e := c.entry(args.Lid)
	if args.Seq <= e.seqnumAtRetry {
		// stale retries must not regress the recorded sequence; a
		// parked acquire keys its wait to it
		c.mutex.Unlock()
		return rpc.OK, nil
	}
	e.seqnumAtRetry = args.Seq
	c.mutex.Unlock()

	c.retrySignal.Broadcast()
	return rpc.OK, nil
}

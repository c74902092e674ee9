package extent

import (
	"sync"
	"time"
)

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

import (
	"github.com/Bipinoli/distributed-file-system/lock"
	"github.com/Bipinoli/distributed-file-system/rpc"
)

var (
	ErrNoEnt = errors.New("no such extent")

	CallTimeout = time.Second
	// pause between flush attempts; flushes retry until the server
	// takes the write
	FlushRetryWait = 100 * time.Millisecond

	// bound on cached clean extents; dirty data is pinned separately
	// and never evicted before its flush
	CleanCacheSize = 1024
)

// the transport the client talks through. *rpc.Handle satisfies it.
type caller interface {
	Call(proc uint32, src string, args []byte, timeout time.Duration) (rpc.Status, []byte, error)
}

type cacheEntry struct {
	data    []byte
	attr    Attr
	dirty   bool
	removed bool
}

// Client is a write-through cache over the extent server with lazy
// flush. The calls assume the caller holds the lock guarding the
// extent; Flush runs at lock release points, pushing dirty data or a
// pending remove before another client can acquire the lock and
// read.
type Client struct {
	mutex  sync.Mutex
	server caller
	src    string

	// dirty or to-be-removed extents, pinned until flushed
	dirty map[ExtentID]*cacheEntry
	// clean read cache, bounded; evictions just cost a re-fetch
	clean *lru.Cache
}

func NewClient(dst string) (*Client, error) {
	return newClientWithCaller(rpc.NewHandle(dst), "extent-client")
}

func newClientWithCaller(server caller, src string) (*Client, error) {
	clean, err := lru.New(CleanCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		server: server,
		src:    src,
		dirty:  make(map[ExtentID]*cacheEntry),
		clean:  clean,
	}, nil
}

// assumes c.mutex is held
func (c *Client) lookup(id ExtentID) *cacheEntry {
	if e := c.dirty[id]; e != nil {
		return e
	}
	if v, ok := c.clean.Get(id); ok {
		return v.(*cacheEntry)
	}
	return nil
}

// fetches data and attributes from the server into the clean cache.
// assumes c.mutex is held
func (c *Client) fill(id ExtentID) (*cacheEntry, error) {
	args := marshalMessage(&idArgs{ID: id})

	status, replyBytes, err := c.server.Call(ProcGet, c.src, args, CallTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "extent get")
	}
	if status == rpc.NOENT {
		return nil, ErrNoEnt
	}
	if status != rpc.OK {
		return nil, errors.Errorf("extent get: status %v", status)
	}
	reply := &getReply{}
	if err := unmarshalMessage(replyBytes, reply); err != nil {
		return nil, errors.Wrap(err, "extent get")
	}

	e := &cacheEntry{data: reply.Data}
	status, attrBytes, err := c.server.Call(ProcGetAttr, c.src, args, CallTimeout)
	if err == nil && status == rpc.OK {
		attr := &attrReply{}
		if err := unmarshalMessage(attrBytes, attr); err == nil {
			e.attr = attr.Attr
		}
	}

	c.clean.Add(id, e)
	return e, nil
}

func (c *Client) Get(id ExtentID) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.lookup(id)
	if e == nil {
		var err error
		if e, err = c.fill(id); err != nil {
			return nil, err
		}
	}
	if e.removed {
		return nil, ErrNoEnt
	}
	e.attr.Atime = time.Now().Unix()
	return e.data, nil
}

func (c *Client) GetAttr(id ExtentID) (Attr, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.lookup(id)
	if e == nil {
		// attribute misses pull the whole extent; attrs travel with
		// the data anyway
		var err error
		if e, err = c.fill(id); err != nil {
			return Attr{}, err
		}
	}
	if e.removed {
		return Attr{}, ErrNoEnt
	}
	return e.attr, nil
}

// Put dirties the cache only; the server sees the data at the next
// Flush
func (c *Client) Put(id ExtentID, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now().Unix()
	e := &cacheEntry{
		data:  data,
		attr:  Attr{Size: uint32(len(data)), Atime: now, Mtime: now, Ctime: now},
		dirty: true,
	}
	c.clean.Remove(id)
	c.dirty[id] = e
	return nil
}

func (c *Client) Remove(id ExtentID) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e := c.lookup(id)
	if e == nil {
		e = &cacheEntry{}
	}
	e.removed = true
	e.dirty = false
	c.clean.Remove(id)
	c.dirty[id] = e
	return nil
}

// Flush pushes the extent's pending write or remove to the server,
// retrying until it sticks, then drops the entry entirely. Called at
// lock release points.
func (c *Client) Flush(id ExtentID) error {
	c.mutex.Lock()
	e := c.dirty[id]
	delete(c.dirty, id)
	c.clean.Remove(id)
	c.mutex.Unlock()

	if e == nil {
		return nil
	}

	if e.removed {
		args := marshalMessage(&idArgs{ID: id})
		for {
			status, _, err := c.server.Call(ProcRemove, c.src, args, CallTimeout)
			// a NOENT answer means there is nothing left to remove
			if err == nil && (status == rpc.OK || status == rpc.NOENT) {
				return nil
			}
			logger.Warningf("flush: remove %v not taken (%v %v), retrying", id, status, err)
			time.Sleep(FlushRetryWait)
		}
	}

	if e.dirty {
		args := marshalMessage(&putArgs{ID: id, Data: e.data})
		for {
			status, _, err := c.server.Call(ProcPut, c.src, args, CallTimeout)
			if err == nil && status == rpc.OK {
				return nil
			}
			logger.Warningf("flush: put %v not taken (%v %v), retrying", id, status, err)
			time.Sleep(FlushRetryWait)
		}
	}
	return nil
}

// DoRelease lets the extent cache hang off the lock client as its
// release hook: extent ids share the lock id namespace, so the lock
// protecting an extent flushes exactly that extent before ownership
// goes back to the server.
func (c *Client) DoRelease(lid lock.LockID) {
	c.Flush(ExtentID(lid))
}

var _ = lock.ReleaseUser(&Client{})

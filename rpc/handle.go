package rpc

import (
	"bufio"
	"net"
	"sync"
	"time"
)

import (
	"github.com/pkg/errors"
)

// Handle lazily binds a client connection to a remote node on first
// use and keeps it cached. Any transport failure marks the handle
// dead and closes the connection; the handle cache hands out a fresh
// handle on the next lookup. Config uses dead handles to detect
// failed members.
type Handle struct {
	addr string

	mutex  sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	dead   bool
}

func NewHandle(addr string) *Handle {
	return &Handle{addr: addr}
}

func (h *Handle) Addr() string { return h.addr }

func (h *Handle) Dead() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.dead
}

// assumes h.mutex is held
func (h *Handle) bind(timeout time.Duration) error {
	if h.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", h.addr, timeout)
	if err != nil {
		h.dead = true
		return errors.Wrapf(err, "bind %v", h.addr)
	}
	h.conn = conn
	h.reader = bufio.NewReader(conn)
	h.writer = bufio.NewWriter(conn)
	h.dead = false
	return nil
}

// assumes h.mutex is held
func (h *Handle) teardown() {
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		h.reader = nil
		h.writer = nil
	}
	h.dead = true
}

// Call performs a request/response round trip within the given
// deadline. Calls on one handle are serialized; a timed out call
// tears the connection down since a late response would desync the
// stream.
func (h *Handle) Call(proc uint32, src string, args []byte, timeout time.Duration) (Status, []byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.bind(timeout); err != nil {
		return RPCERR, nil, err
	}

	deadline := time.Now().Add(timeout)
	if err := h.conn.SetDeadline(deadline); err != nil {
		h.teardown()
		return RPCERR, nil, errors.Wrap(err, "set deadline")
	}

	if err := writeRequest(h.writer, proc, src, args); err != nil {
		h.teardown()
		return RPCERR, nil, errors.Wrapf(err, "call %v on %v", proc, h.addr)
	}
	status, reply, err := readResponse(h.reader)
	if err != nil {
		h.teardown()
		return RPCERR, nil, errors.Wrapf(err, "response %v from %v", proc, h.addr)
	}
	return status, reply, nil
}

func (h *Handle) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.teardown()
}

// per node handle cache
type HandleCache struct {
	mutex   sync.Mutex
	handles map[string]*Handle
}

func NewHandleCache() *HandleCache {
	return &HandleCache{handles: make(map[string]*Handle)}
}

// returns the cached handle for the address, replacing handles that
// have been marked dead
func (hc *HandleCache) GetHandle(addr string) *Handle {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	h := hc.handles[addr]
	if h == nil || h.Dead() {
		h = NewHandle(addr)
		hc.handles[addr] = h
	}
	return h
}

// drops and closes the handle for the address
func (hc *HandleCache) Invalidate(addr string) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()
	if h := hc.handles[addr]; h != nil {
		h.Close()
		delete(hc.handles, addr)
	}
}

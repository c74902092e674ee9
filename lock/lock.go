/*
Cache coherent distributed locks.

Locks are logical: a 64 bit id names a lock, nothing is locked until
clients agree to respect it. The server grants ownership of a lock to
exactly one client at a time; a client that owns a lock hands it to
its local threads with no server traffic until the server revokes
it. Contended acquires return RETRY immediately and the waiter is
nudged with a retry callback once the lock frees up, so server
handlers never block and the server can run replicated.
 */
package lock

import (
	"bufio"
	"bytes"
	"sync"
)

import (
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/serializer"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("lock")
}

// replicated procedures, registered through the rsm
const (
	ProcAcquire = uint32(0x41)
	ProcRelease = uint32(0x42)
)

// non replicated: establishes the callback channel to a client
const ProcSubscribe = uint32(0x43)

// server → client callbacks, served by the client's callback server
const (
	ProcRevoke = uint32(0x51)
	ProcRetry  = uint32(0x52)
)

type LockID uint64

// identifies one acquire tenure: the client and the sequence number
// it minted for the attempt
type clientSeq struct {
	Clt int32
	Seq uint32
}

func (cs clientSeq) serialize(buf *bufio.Writer) error {
	if err := serializer.WriteInt32(buf, cs.Clt); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, cs.Seq)
}

func (cs *clientSeq) deserialize(buf *bufio.Reader) error {
	var err error
	if cs.Clt, err = serializer.ReadInt32(buf); err != nil {
		return err
	}
	cs.Seq, err = serializer.ReadUint32(buf)
	return err
}

// acquire and release share a shape
type lockArgs struct {
	Clt int32
	Lid LockID
	Seq uint32
}

func (a *lockArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteInt32(buf, a.Clt); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, uint64(a.Lid)); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, a.Seq)
}

func (a *lockArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Clt, err = serializer.ReadInt32(buf); err != nil {
		return err
	}
	lid, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	a.Lid = LockID(lid)
	a.Seq, err = serializer.ReadUint32(buf)
	return err
}

type subscribeArgs struct {
	Clt  int32
	Addr string
}

func (a *subscribeArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteInt32(buf, a.Clt); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, a.Addr)
}

func (a *subscribeArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Clt, err = serializer.ReadInt32(buf); err != nil {
		return err
	}
	a.Addr, err = serializer.ReadFieldString(buf)
	return err
}

// revoke and retry callbacks
type callbackArgs struct {
	Lid LockID
	Seq uint32
}

func (a *callbackArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, uint64(a.Lid)); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, a.Seq)
}

func (a *callbackArgs) Deserialize(buf *bufio.Reader) error {
	lid, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	a.Lid = LockID(lid)
	a.Seq, err = serializer.ReadUint32(buf)
	return err
}

type message interface {
	Serialize(buf *bufio.Writer) error
}

func marshalMessage(m message) []byte {
	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	if err := m.Serialize(writer); err != nil {
		panic(err)
	}
	if err := writer.Flush(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type deserializable interface {
	Deserialize(buf *bufio.Reader) error
}

func unmarshalMessage(b []byte, m deserializable) error {
	return m.Deserialize(bufio.NewReader(bytes.NewReader(b)))
}

// unbounded fifo feeding a single long lived consumer thread
type eventQueue[T any] struct {
	mutex  sync.Mutex
	signal *sync.Cond
	items  []T
	closed bool
}

func newEventQueue[T any]() *eventQueue[T] {
	q := &eventQueue[T]{}
	q.signal = sync.NewCond(&q.mutex)
	return q
}

func (q *eventQueue[T]) add(item T) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.signal.Broadcast()
}

// blocks until an item is available; ok=false once the queue is
// closed and drained
func (q *eventQueue[T]) consume() (T, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.signal.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *eventQueue[T]) close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	q.signal.Broadcast()
}

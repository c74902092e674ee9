/*
Extent storage: opaque byte blobs named by 64 bit ids, with file
style attributes. The server keeps the authoritative copy in a
pluggable store; clients cache aggressively and flush dirty data
lazily, at lock release points, so extent traffic rides the lock
protocol's coherence.
 */
package extent

import (
	"bufio"
	"bytes"
)

import (
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/serializer"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("extent")
}

const (
	ProcPut     = uint32(0x61)
	ProcGet     = uint32(0x62)
	ProcGetAttr = uint32(0x63)
	ProcRemove  = uint32(0x64)
)

type ExtentID uint64

type Attr struct {
	Size  uint32
	Atime int64
	Mtime int64
	Ctime int64
}

func (a Attr) serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, a.Size); err != nil {
		return err
	}
	if err := serializer.WriteInt64(buf, a.Atime); err != nil {
		return err
	}
	if err := serializer.WriteInt64(buf, a.Mtime); err != nil {
		return err
	}
	return serializer.WriteInt64(buf, a.Ctime)
}

func (a *Attr) deserialize(buf *bufio.Reader) error {
	var err error
	if a.Size, err = serializer.ReadUint32(buf); err != nil {
		return err
	}
	if a.Atime, err = serializer.ReadInt64(buf); err != nil {
		return err
	}
	if a.Mtime, err = serializer.ReadInt64(buf); err != nil {
		return err
	}
	a.Ctime, err = serializer.ReadInt64(buf)
	return err
}

type idArgs struct {
	ID ExtentID
}

func (a *idArgs) Serialize(buf *bufio.Writer) error {
	return serializer.WriteUint64(buf, uint64(a.ID))
}

func (a *idArgs) Deserialize(buf *bufio.Reader) error {
	id, err := serializer.ReadUint64(buf)
	a.ID = ExtentID(id)
	return err
}

type putArgs struct {
	ID   ExtentID
	Data []byte
}

func (a *putArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, uint64(a.ID)); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, a.Data)
}

func (a *putArgs) Deserialize(buf *bufio.Reader) error {
	id, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	a.ID = ExtentID(id)
	a.Data, err = serializer.ReadFieldBytes(buf)
	return err
}

type getReply struct {
	Data []byte
}

func (r *getReply) Serialize(buf *bufio.Writer) error {
	return serializer.WriteFieldBytes(buf, r.Data)
}

func (r *getReply) Deserialize(buf *bufio.Reader) error {
	var err error
	r.Data, err = serializer.ReadFieldBytes(buf)
	return err
}

type attrReply struct {
	Attr Attr
}

func (r *attrReply) Serialize(buf *bufio.Writer) error {
	return r.Attr.serialize(buf)
}

func (r *attrReply) Deserialize(buf *bufio.Reader) error {
	return r.Attr.deserialize(buf)
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

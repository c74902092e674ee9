package rsm

import (
	"bufio"
	"bytes"
)

import (
	"github.com/Bipinoli/distributed-file-system/serializer"
)

// procedure numbers on the shared node server
const (
	ProcClientInvoke  = uint32(0x31)
	ProcClientMembers = uint32(0x32)
	ProcInvoke        = uint32(0x33)
	ProcTransfer      = uint32(0x34)
	ProcTransferDone  = uint32(0x35)
	ProcJoin          = uint32(0x36)
)

// Viewstamp tags each replicated request with the view it belongs to
// and its sequence within that view
type Viewstamp struct {
	Vid   uint64
	Seqno uint64
}

func (vs Viewstamp) Equals(o Viewstamp) bool {
	return vs.Vid == o.Vid && vs.Seqno == o.Seqno
}

func (vs Viewstamp) serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, vs.Vid); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, vs.Seqno)
}

func (vs *Viewstamp) deserialize(buf *bufio.Reader) error {
	var err error
	if vs.Vid, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	vs.Seqno, err = serializer.ReadUint64(buf)
	return err
}

// client → primary
type clientInvokeArgs struct {
	Proc uint32
	Req  []byte
}

func (a *clientInvokeArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, a.Proc); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, a.Req)
}

func (a *clientInvokeArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Proc, err = serializer.ReadUint32(buf); err != nil {
		return err
	}
	a.Req, err = serializer.ReadFieldBytes(buf)
	return err
}

// primary → backup
type invokeArgs struct {
	Proc uint32
	Vs   Viewstamp
	Req  []byte
}

func (a *invokeArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, a.Proc); err != nil {
		return err
	}
	if err := a.Vs.serialize(buf); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, a.Req)
}

func (a *invokeArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Proc, err = serializer.ReadUint32(buf); err != nil {
		return err
	}
	if err = a.Vs.deserialize(buf); err != nil {
		return err
	}
	a.Req, err = serializer.ReadFieldBytes(buf)
	return err
}

type transferArgs struct {
	Last Viewstamp
}

func (a *transferArgs) Serialize(buf *bufio.Writer) error {
	return a.Last.serialize(buf)
}

func (a *transferArgs) Deserialize(buf *bufio.Reader) error {
	return a.Last.deserialize(buf)
}

type transferReply struct {
	State []byte
	Last  Viewstamp
}

func (r *transferReply) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldBytes(buf, r.State); err != nil {
		return err
	}
	return r.Last.serialize(buf)
}

func (r *transferReply) Deserialize(buf *bufio.Reader) error {
	var err error
	if r.State, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	return r.Last.deserialize(buf)
}

type joinArgs struct {
	Last Viewstamp
}

func (a *joinArgs) Serialize(buf *bufio.Writer) error {
	return a.Last.serialize(buf)
}

func (a *joinArgs) Deserialize(buf *bufio.Reader) error {
	return a.Last.deserialize(buf)
}

type joinReply struct {
	Log string
}

func (r *joinReply) Serialize(buf *bufio.Writer) error {
	return serializer.WriteFieldString(buf, r.Log)
}

func (r *joinReply) Deserialize(buf *bufio.Reader) error {
	var err error
	r.Log, err = serializer.ReadFieldString(buf)
	return err
}

type membersReply struct {
	// current view with the primary appended last
	Members []string
}

func (r *membersReply) Serialize(buf *bufio.Writer) error {
	return serializer.WriteStringSlice(buf, r.Members)
}

func (r *membersReply) Deserialize(buf *bufio.Reader) error {
	var err error
	r.Members, err = serializer.ReadStringSlice(buf)
	return err
}

// the application's status and reply, tunneled through a successful
// client_invoke
type appReply struct {
	Status int32
	Body   []byte
}

func (r *appReply) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteInt32(buf, r.Status); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, r.Body)
}

func (r *appReply) Deserialize(buf *bufio.Reader) error {
	var err error
	if r.Status, err = serializer.ReadInt32(buf); err != nil {
		return err
	}
	r.Body, err = serializer.ReadFieldBytes(buf)
	return err
}

type message interface {
	Serialize(buf *bufio.Writer) error
}

func marshalMessage(m message) []byte {
	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	if err := m.Serialize(writer); err != nil {
		// writes against an in memory buffer
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

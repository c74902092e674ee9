/*
Single decree Paxos, one instance per configuration change.

The caller hands the proposer a list of nodes and a proposed value.
If a majority of acceptors agree on a value for the instance, the
acceptor upcalls PaxosCommit to inform the layer above of the agreed
value. Acceptor state is durably logged so agreement survives
crash and restart.
 */
package paxos

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
	logger = logging.MustGetLogger("paxos")
}

// procedure numbers on the shared node server
const (
	ProcPrepare = uint32(0x11)
	ProcAccept  = uint32(0x12)
	ProcDecide  = uint32(0x13)
)

// a proposal number. Ordering is lexicographic on (N, M), which
// totally orders proposals from different nodes
type Proposal struct {
	N uint64
	M string
}

func (p Proposal) GreaterThan(o Proposal) bool {
	return p.N > o.N || (p.N == o.N && p.M > o.M)
}

func (p Proposal) GreaterEq(o Proposal) bool {
	return p.N > o.N || (p.N == o.N && p.M >= o.M)
}

func (p Proposal) serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, p.N); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, p.M)
}

func (p *Proposal) deserialize(buf *bufio.Reader) error {
	var err error
	if p.N, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	p.M, err = serializer.ReadFieldString(buf)
	return err
}

type prepareArgs struct {
	Instance uint64
	N        Proposal
}

func (a *prepareArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, a.Instance); err != nil {
		return err
	}
	return a.N.serialize(buf)
}

func (a *prepareArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Instance, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	return a.N.deserialize(buf)
}

type prepareReply struct {
	OldInstance bool
	Accept      bool
	Na          Proposal
	Va          string
}

func (r *prepareReply) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteByte(buf, boolByte(r.OldInstance)); err != nil {
		return err
	}
	if err := serializer.WriteByte(buf, boolByte(r.Accept)); err != nil {
		return err
	}
	if err := r.Na.serialize(buf); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, r.Va)
}

func (r *prepareReply) Deserialize(buf *bufio.Reader) error {
	var err error
	var b byte
	if b, err = serializer.ReadByte(buf); err != nil {
		return err
	}
	r.OldInstance = b != 0
	if b, err = serializer.ReadByte(buf); err != nil {
		return err
	}
	r.Accept = b != 0
	if err = r.Na.deserialize(buf); err != nil {
		return err
	}
	r.Va, err = serializer.ReadFieldString(buf)
	return err
}

type acceptArgs struct {
	Instance uint64
	N        Proposal
	V        string
}

func (a *acceptArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, a.Instance); err != nil {
		return err
	}
	if err := a.N.serialize(buf); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, a.V)
}

func (a *acceptArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Instance, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if err = a.N.deserialize(buf); err != nil {
		return err
	}
	a.V, err = serializer.ReadFieldString(buf)
	return err
}

type decideArgs struct {
	Instance uint64
	V        string
}

func (a *decideArgs) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, a.Instance); err != nil {
		return err
	}
	return serializer.WriteFieldString(buf, a.V)
}

func (a *decideArgs) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Instance, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	a.V, err = serializer.ReadFieldString(buf)
	return err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type message interface {
	Serialize(buf *bufio.Writer) error
}

func marshalMessage(m message) []byte {
	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	if err := m.Serialize(writer); err != nil {
		// all writes are against an in memory buffer
		panic(err)
	}
	if err := writer.Flush(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func isamember(m string, nodes []string) bool {
	for _, n := range nodes {
		if n == m {
			return true
		}
	}
	return false
}

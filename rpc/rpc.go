/*
Framed request/response transport used by every subsystem.

A request carries a procedure number, the caller's identity and an
opaque argument payload. A response carries a protocol status and an
opaque reply payload. Transport failures never cross the protocol
boundary as statuses, they surface as errors on the calling side and
are translated by the caller into BUSY/RETRY/RPCERR semantics.
 */
package rpc

import (
	"bufio"
	"math/rand"
)

import (
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/serializer"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("rpc")
}

type Status int32

const (
	OK Status = iota
	ERR
	BUSY
	NOTPRIMARY
	RETRY
	RPCERR
	NOENT
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case ERR:
		return "ERR"
	case BUSY:
		return "BUSY"
	case NOTPRIMARY:
		return "NOTPRIMARY"
	case RETRY:
		return "RETRY"
	case RPCERR:
		return "RPCERR"
	case NOENT:
		return "NOENT"
	}
	return "UNKNOWN"
}

// a registered procedure. handlers run to completion and must not
// block on further network round trips when registered through the
// replicated state machine
type Handler func(src string, args []byte) (Status, []byte)

// generates a client identity for the rpc layer. lock clients bind
// their identity to this number
func GenerateClientID() int32 {
	return rand.Int31()
}

func writeRequest(buf *bufio.Writer, proc uint32, src string, args []byte) error {
	if err := serializer.WriteUint32(buf, proc); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, src); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, args); err != nil {
		return err
	}
	return buf.Flush()
}

func readRequest(buf *bufio.Reader) (proc uint32, src string, args []byte, err error) {
	if proc, err = serializer.ReadUint32(buf); err != nil {
		return
	}
	if src, err = serializer.ReadFieldString(buf); err != nil {
		return
	}
	args, err = serializer.ReadFieldBytes(buf)
	return
}

func writeResponse(buf *bufio.Writer, status Status, reply []byte) error {
	if err := serializer.WriteInt32(buf, int32(status)); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, reply); err != nil {
		return err
	}
	return buf.Flush()
}

func readResponse(buf *bufio.Reader) (Status, []byte, error) {
	status, err := serializer.ReadInt32(buf)
	if err != nil {
		return RPCERR, nil, err
	}
	reply, err := serializer.ReadFieldBytes(buf)
	if err != nil {
		return RPCERR, nil, err
	}
	return Status(status), reply, nil
}

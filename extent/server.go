package extent

import (
	"time"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

// Server answers extent requests out of its store. Attribute
// stamping happens here: put refreshes every timestamp, get touches
// atime.
type Server struct {
	store Store
}

func NewServer(store Store) *Server {
	return &Server{store: store}
}

func (s *Server) RegisterHandlers(server *rpc.Server) {
	server.Register(ProcPut, s.handlePut)
	server.Register(ProcGet, s.handleGet)
	server.Register(ProcGetAttr, s.handleGetAttr)
	server.Register(ProcRemove, s.handleRemove)
}

func (s *Server) handlePut(src string, req []byte) (rpc.Status, []byte) {
	args := &putArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	now := time.Now().Unix()
	record := Record{
		Data: args.Data,
		Attr: Attr{Size: uint32(len(args.Data)), Atime: now, Mtime: now, Ctime: now},
	}
	if err := s.store.Put(args.ID, record); err != nil {
		logger.Errorf("put %v: %v", args.ID, err)
		return rpc.ERR, nil
	}
	return rpc.OK, nil
}

func (s *Server) handleGet(src string, req []byte) (rpc.Status, []byte) {
	args := &idArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	record, ok, err := s.store.Get(args.ID)
	if err != nil {
		logger.Errorf("get %v: %v", args.ID, err)
		return rpc.ERR, nil
	}
	if !ok {
		return rpc.NOENT, nil
	}

	record.Attr.Atime = time.Now().Unix()
	if err := s.store.Put(args.ID, record); err != nil {
		logger.Errorf("get %v: touching atime: %v", args.ID, err)
	}
	return rpc.OK, marshalMessage(&getReply{Data: record.Data})
}

func (s *Server) handleGetAttr(src string, req []byte) (rpc.Status, []byte) {
	args := &idArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	record, ok, err := s.store.Get(args.ID)
	if err != nil {
		logger.Errorf("getattr %v: %v", args.ID, err)
		return rpc.ERR, nil
	}
	if !ok {
		return rpc.NOENT, nil
	}
	return rpc.OK, marshalMessage(&attrReply{Attr: record.Attr})
}

func (s *Server) handleRemove(src string, req []byte) (rpc.Status, []byte) {
	args := &idArgs{}
	if err := unmarshalMessage(req, args); err != nil {
		return rpc.RPCERR, nil
	}

	ok, err := s.store.Remove(args.ID)
	if err != nil {
		logger.Errorf("remove %v: %v", args.ID, err)
		return rpc.ERR, nil
	}
	if !ok {
		return rpc.NOENT, nil
	}
	return rpc.OK, nil
}

package rpc

import (
	"bufio"
	"io"
	"net"
	"sync"
)

import (
	"github.com/google/uuid"
)

// Server accepts connections from remote handles and dispatches
// requests to registered procedures. Requests on a single connection
// are handled in order, different connections are concurrent.
type Server struct {
	addr     string
	handlers map[uint32]Handler
	mutex    sync.RWMutex

	listener net.Listener
	stopped  bool
}

func NewServer(addr string) *Server {
	return &Server{
		addr:     addr,
		handlers: make(map[uint32]Handler),
	}
}

func (s *Server) Register(proc uint32, h Handler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, existing := s.handlers[proc]; existing {
		panic("duplicate procedure registration")
	}
	s.handlers[proc] = h
}

func (s *Server) getHandler(proc uint32) Handler {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.handlers[proc]
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()
	logger.Infof("rpc server listening on %v", listener.Addr())
	go s.acceptLoop(listener)
	return nil
}

// the resolved listen address. Differs from the configured address
// when binding to port 0
func (s *Server) Addr() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Stop() {
	s.mutex.Lock()
	s.stopped = true
	listener := s.listener
	s.mutex.Unlock()
	if listener != nil {
		listener.Close()
	}
}

func (s *Server) isStopped() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stopped
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			logger.Warningf("accept error: %v", err)
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	// connection id for log correlation
	cid := uuid.New().String()[:8]
	logger.Debugf("connection %v opened from %v", cid, conn.RemoteAddr())
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		proc, src, args, err := readRequest(reader)
		if err != nil {
			if err != io.EOF {
				logger.Debugf("connection %v read error: %v", cid, err)
			}
			return
		}

		var status Status
		var reply []byte
		if handler := s.getHandler(proc); handler != nil {
			status, reply = handler(src, args)
		} else {
			logger.Warningf("connection %v unknown procedure %v", cid, proc)
			status = RPCERR
		}

		if err := writeResponse(writer, status, reply); err != nil {
			logger.Debugf("connection %v write error: %v", cid, err)
			return
		}
	}
}

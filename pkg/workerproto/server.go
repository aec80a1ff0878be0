package workerproto

import (
	"context"
	"encoding/json"
	"net"

	"github.com/mosesfs/moses/pkg/elog"
	"github.com/mosesfs/moses/pkg/ferr"
)

// Handler executes one command and streams Progress/Log messages
// through emit as it runs, returning the terminal payload and
// response kind once finished.
type Handler func(ctx context.Context, req Request, emit func(ResponseKind, interface{})) (ResponseKind, interface{}, error)

// Server accepts worker connections on a loopback listener and
// dispatches each request to Handler. It never touches a package
// global: the handler and logger are both passed in at construction,
// so nothing about which worker instance is "current" is implicit.
type Server struct {
	log     elog.Logger
	handler Handler
}

// NewServer builds a Server dispatching every request to handler.
func NewServer(handler Handler, log elog.Logger) *Server {
	if log == nil {
		log = &elog.CLI{}
	}
	return &Server{log: log, handler: handler}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	code := newLineCodec(conn)

	for {
		req, err := code.readRequest()
		if err != nil {
			return
		}

		emit := func(kind ResponseKind, payload interface{}) {
			raw, _ := json.Marshal(payload)
			_ = code.writeResponse(Response{ID: req.ID, Type: kind, Payload: raw})
		}

		if req.Command == CommandShutdown {
			emit(ResponseSuccess, struct{}{})
			return
		}
		if req.Command == CommandPing {
			emit(ResponsePong, struct{}{})
			continue
		}

		kind, payload, err := s.handler(ctx, req, emit)
		if err != nil {
			kind, payload = ResponseError, errorPayloadFrom(err)
		}
		emit(kind, payload)
	}
}

func errorPayloadFrom(err error) ErrorPayload {
	kind := "unknown"
	var fe *ferr.Error
	if e, ok := err.(*ferr.Error); ok {
		fe = e
	}
	if fe != nil {
		kind = fe.Kind.String()
	}
	return ErrorPayload{Kind: kind, Message: err.Error()}
}

// Package rpc is a small JSON-over-TCP RPC layer for internal callers that
// want to skip HTTP framing on the hot path.
//
// Protocol: newline-delimited JSON over a persistent TCP connection. Each
// request carries a method name ("Service.Method"), an id echoed in the
// response, and an optional deadline in milliseconds.
//
// Example server:
//
//	s := rpc.NewServer(time.Second)
//	s.Register("RankingService.Rank", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    var req proto.RankRequest
//	    if err := json.Unmarshal(params, &req); err != nil {
//	        return nil, err
//	    }
//	    return rank(ctx, req)
//	})
//	go s.Serve(":9100")
//
// Example client:
//
//	c, _ := rpc.Dial("localhost:9100", time.Second)
//	var resp proto.RankResponse
//	err := c.Call(ctx, "RankingService.Rank", &proto.RankRequest{...}, &resp)
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
)

// HandlerFunc processes one call.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Request is the wire format of a call.
type Request struct {
	Method     string          `json:"method"`
	ID         string          `json:"id"`
	Params     json.RawMessage `json:"params"`
	DeadlineMs int64           `json:"deadline_ms,omitempty"`
}

// Response is the wire format of a reply. Code follows HTTP status
// semantics so callers can classify failures.
type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  int             `json:"code"`
}

type Server struct {
	handlers    map[string]HandlerFunc
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a server. callTimeout bounds calls that carry no
// deadline of their own; zero means unbounded.
func NewServer(callTimeout time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handlers:    make(map[string]HandlerFunc),
		callTimeout: callTimeout,
		logger:      slog.Default().With("component", "rpc-server"),
		conns:       make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Register adds a handler for method.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	s.logger.Debug("method registered", "method", method)
}

// Serve listens on addr and blocks until Stop.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ln)
}

// ServeListener accepts connections on ln and blocks until Stop.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("write error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{ID: req.ID, Code: http.StatusOK}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		resp.Code = http.StatusNotFound
		resp.Error = fmt.Sprintf("unknown method: %s", req.Method)
		return resp
	}

	ctx := s.ctx
	timeout := s.callTimeout
	if req.DeadlineMs > 0 {
		timeout = time.Duration(req.DeadlineMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := handler(ctx, req.Params)
	if err != nil {
		resp.Code = apperrors.HTTPStatusCode(err)
		resp.Error = err.Error()
		return resp
	}
	raw, err := json.Marshal(data)
	if err != nil {
		resp.Code = http.StatusInternalServerError
		resp.Error = fmt.Sprintf("encoding response: %v", err)
		return resp
	}
	resp.Data = raw
	return resp
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MethodCount returns the number of registered methods.
func (s *Server) MethodCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Stop cancels in-flight calls, closes every connection and waits for the
// connection goroutines to exit.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}

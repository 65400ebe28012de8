// Package tensorserver exposes the cpu runtime to remote clients over
// socket.io. Each connection gets its own runtime, released when the client
// disconnects.
package tensorserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/runtime/cpu"
	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/specialistvlad/frozengraph/internal/wire"
	"github.com/zishang520/socket.io/v2/socket"
)

// Path is where the socket.io endpoint is mounted.
const Path = "/socket.io/"

// Server is a socket.io tensor server.
type Server struct {
	io     *socket.Server
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[socket.SocketId]*cpu.Runtime
}

// New creates a server. The context carries the logger used for every
// connection.
func New(ctx context.Context) *Server {
	s := &Server{
		io:       socket.NewServer(nil, nil),
		logger:   ctxlog.FromContext(ctx).With("component", "tensorserver"),
		sessions: make(map[socket.SocketId]*cpu.Runtime),
	}
	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.connect(ctx, client)
	})
	return s
}

func (s *Server) connect(ctx context.Context, client *socket.Socket) {
	logger := s.logger.With("sid", client.Id())
	rt := cpu.New()
	s.mu.Lock()
	s.sessions[client.Id()] = rt
	s.mu.Unlock()
	logger.Info("Client connected.")

	reqCtx := ctxlog.WithLogger(ctx, logger)
	client.On(wire.EventRequest, func(args ...any) {
		if len(args) == 0 {
			return
		}
		reply := Dispatch(reqCtx, rt, args[0])
		if reply == nil {
			return
		}
		if err := client.Emit(wire.EventReply, reply.Encode()); err != nil {
			logger.Warn("Failed to send reply.", "seq", reply.Seq, "error", err)
		}
	})
	client.On("disconnect", func(reason ...any) {
		s.mu.Lock()
		delete(s.sessions, client.Id())
		s.mu.Unlock()
		released := rt.DisposeAll()
		logger.Info("Client disconnected.", "reason", reason, "released", released)
	})
}

// Handler serves the socket.io endpoint and a /health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, s.io.ServeHandler(nil))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK sessions=%d\n", s.Sessions())
	})
	return mux
}

// Sessions reports how many clients are connected.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every client.
func (s *Server) Close() {
	done := make(chan struct{})
	s.io.Close(func(error) { close(done) })
	<-done
}

// Dispatch evaluates one request payload against rt and returns the reply.
// Dispose requests produce no reply.
func Dispatch(ctx context.Context, rt *cpu.Runtime, payload any) *wire.Reply {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		seq := uint64(0)
		if m, ok := payload.(map[string]any); ok {
			if f, ok := m["seq"].(float64); ok && f >= 0 {
				seq = uint64(f)
			}
		}
		ctxlog.FromContext(ctx).Warn("Rejected malformed request.", "seq", seq, "error", err)
		return &wire.Reply{Seq: seq, Error: err.Error()}
	}

	reply := &wire.Reply{Seq: req.Seq}
	switch req.Kind {
	case wire.KindDispose:
		if t, ok := rt.Lookup(req.Tensor); ok {
			rt.Dispose(t)
		}
		return nil
	case wire.KindRead:
		t, err := lookup(rt, req.Tensor)
		if err == nil {
			reply.Values, err = rt.Read(ctx, t)
		}
		if err != nil {
			reply.Error = err.Error()
		}
		if reply.Values == nil && reply.Error == "" {
			reply.Values = []float32{}
		}
	case wire.KindUpload:
		t, err := rt.FromValues(ctx, req.Values, req.Shape, req.DType)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.Outputs = []wire.Descriptor{describe(t)}
	case wire.KindApply:
		inputs := make([]tensor.Tensor, len(req.Inputs))
		for i, id := range req.Inputs {
			t, err := lookup(rt, id)
			if err != nil {
				reply.Error = fmt.Sprintf("%s input %d: %v", req.Op, i, err)
				return reply
			}
			inputs[i] = t
		}
		outs, err := rt.Apply(ctx, req.Op, inputs, req.Attrs)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.Outputs = make([]wire.Descriptor, len(outs))
		for i, t := range outs {
			reply.Outputs[i] = describe(t)
		}
	}
	return reply
}

func lookup(rt *cpu.Runtime, id uint64) (*cpu.Tensor, error) {
	t, ok := rt.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("tensor %d is not live", id)
	}
	return t, nil
}

func describe(t tensor.Tensor) wire.Descriptor {
	return wire.Descriptor{ID: t.ID(), Shape: t.Shape(), DType: t.DType()}
}

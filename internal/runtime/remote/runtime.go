// Package remote is a tensor runtime whose memory lives in a tensor server
// reached over socket.io. Every call is a request event correlated with its
// reply by sequence number; tensors on the client side are descriptors only.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/specialistvlad/frozengraph/internal/wire"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultTimeout bounds a single request when no option overrides it.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("remote runtime is closed")

// Tensor is a handle to a tensor held by the server.
type Tensor struct {
	desc wire.Descriptor
}

func (t *Tensor) ID() uint64          { return t.desc.ID }
func (t *Tensor) Shape() tensor.Shape { return t.desc.Shape }
func (t *Tensor) DType() tensor.DType { return t.desc.DType }
func (t *Tensor) String() string      { return fmt.Sprintf("remote#%d%s", t.desc.ID, t.desc.Shape) }

// ServerError is a failure reported by the tensor server.
type ServerError struct {
	Kind    string
	Op      string
	Message string
}

func (e *ServerError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("tensor server %s %s: %s", e.Kind, e.Op, e.Message)
	}
	return fmt.Sprintf("tensor server %s: %s", e.Kind, e.Message)
}

// Runtime is safe for concurrent use.
type Runtime struct {
	io      *socket.Socket
	send    func(payload map[string]any) error
	timeout time.Duration
	seq     atomic.Uint64
	closed  atomic.Bool

	mu      sync.Mutex
	pending map[uint64]chan *wire.Reply
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	namespace          string
	insecureSkipVerify bool
	timeout            time.Duration
	connectTimeout     time.Duration
}

// WithNamespace selects the socket.io namespace. The default is "/".
func WithNamespace(nsp string) Option { return func(o *options) { o.namespace = nsp } }

// WithInsecureSkipVerify disables TLS certificate checks.
func WithInsecureSkipVerify() Option { return func(o *options) { o.insecureSkipVerify = true } }

// WithTimeout bounds each request round trip.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithConnectTimeout bounds the initial handshake.
func WithConnectTimeout(d time.Duration) Option { return func(o *options) { o.connectTimeout = d } }

// Dial connects to the tensor server at rawURL, e.g. ws://localhost:8090/socket.io/.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Runtime, error) {
	o := options{namespace: "/", timeout: DefaultTimeout, connectTimeout: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	logger := ctxlog.FromContext(ctx).With("runtime", "remote", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("tensor server URL %q has no host", rawURL)
	}

	sopts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		sopts.SetPath(parsedURL.Path)
	}
	if o.insecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host), sopts)
	io := manager.Socket(o.namespace, sopts)

	r := newRuntime(func(payload map[string]any) error {
		return io.Emit(wire.EventRequest, payload)
	}, o.timeout)
	r.io = io
	io.On(types.EventName(wire.EventReply), r.onReply)

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to tensor server.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		connectChan <- err
	})
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return r, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(o.connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", o.connectTimeout)
	}
}

func newRuntime(send func(map[string]any) error, timeout time.Duration) *Runtime {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runtime{send: send, timeout: timeout, pending: make(map[uint64]chan *wire.Reply)}
}

// onReply routes a reply event to the caller waiting on its sequence number.
func (r *Runtime) onReply(args ...any) {
	if len(args) == 0 {
		return
	}
	reply, err := wire.DecodeReply(args[0])
	if err != nil {
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[reply.Seq]
	delete(r.pending, reply.Seq)
	r.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (r *Runtime) call(ctx context.Context, req *wire.Request) (*wire.Reply, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	req.Seq = r.seq.Add(1)
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Reply, 1)
	r.mu.Lock()
	r.pending[req.Seq] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.Seq)
		r.mu.Unlock()
	}()

	if err := r.send(payload); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", req.Kind, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, &ServerError{Kind: req.Kind, Op: req.Op, Message: reply.Error}
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out after %s waiting for %s reply", r.timeout, req.Kind)
	}
}

func (r *Runtime) Apply(ctx context.Context, op string, inputs []tensor.Tensor, attrs tensor.Attrs) ([]tensor.Tensor, error) {
	ids := make([]uint64, len(inputs))
	for i, in := range inputs {
		if _, ok := in.(*Tensor); !ok {
			return nil, fmt.Errorf("%s input %d: tensor %T does not belong to the remote runtime", op, i, in)
		}
		ids[i] = in.ID()
	}
	reply, err := r.call(ctx, &wire.Request{Kind: wire.KindApply, Op: op, Inputs: ids, Attrs: attrs})
	if err != nil {
		return nil, err
	}
	outs := make([]tensor.Tensor, len(reply.Outputs))
	for i, d := range reply.Outputs {
		outs[i] = r.handle(d, inputs)
	}
	ctxlog.FromContext(ctx).Debug("Remote kernel applied.", "op", op, "inputs", len(inputs), "outputs", len(outs))
	return outs, nil
}

// handle reuses the input handle when the server passed a tensor through.
func (r *Runtime) handle(d wire.Descriptor, inputs []tensor.Tensor) tensor.Tensor {
	for _, in := range inputs {
		if in.ID() == d.ID {
			return in
		}
	}
	return &Tensor{desc: d}
}

// Dispose asks the server to release t without waiting for a reply.
func (r *Runtime) Dispose(t tensor.Tensor) {
	if t == nil || r.closed.Load() {
		return
	}
	payload, err := (&wire.Request{Seq: r.seq.Add(1), Kind: wire.KindDispose, Tensor: t.ID()}).Encode()
	if err != nil {
		return
	}
	_ = r.send(payload)
}

func (r *Runtime) Read(ctx context.Context, t tensor.Tensor) ([]float32, error) {
	reply, err := r.call(ctx, &wire.Request{Kind: wire.KindRead, Tensor: t.ID()})
	if err != nil {
		return nil, err
	}
	return reply.Values, nil
}

func (r *Runtime) FromValues(ctx context.Context, values []float32, shape tensor.Shape, dtype tensor.DType) (tensor.Tensor, error) {
	if shape.Size() != len(values) {
		return nil, fmt.Errorf("shape %s holds %d elements, got %d values", shape, shape.Size(), len(values))
	}
	reply, err := r.call(ctx, &wire.Request{Kind: wire.KindUpload, Values: values, Shape: shape, DType: dtype})
	if err != nil {
		return nil, err
	}
	if len(reply.Outputs) != 1 {
		return nil, fmt.Errorf("upload reply carries %d tensors, want 1", len(reply.Outputs))
	}
	return &Tensor{desc: reply.Outputs[0]}, nil
}

// Close disconnects from the server. Tensors it still holds for this
// connection are released by the server.
func (r *Runtime) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.io != nil {
		r.io.Disconnect()
	}
	return nil
}

var _ tensor.Runtime = (*Runtime)(nil)

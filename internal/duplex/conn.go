package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/observability"
)

// State describes the lifecycle of a duplex connection.
type State string

const (
	// StateDisconnected means no transport is held and none is being dialed.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial attempt is in progress.
	StateConnecting State = "connecting"
	// StateReady means requests may be dispatched.
	StateReady State = "ready"
	// StateDegraded means the transport failed; pending calls were resolved
	// to failure and a reconnect is underway.
	StateDegraded State = "degraded"
)

// Transport is one established duplex connection. Read blocks until the next
// inbound message arrives; implementations surface connection fatality as a
// Read error.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a fresh transport.
type Dialer func(ctx context.Context) (Transport, error)

// PushHandler receives unsolicited provider notifications.
type PushHandler func(method string, payload []byte)

const (
	defaultCallTimeout  = 15 * time.Second
	defaultStartTimeout = 10 * time.Second
)

// Option configures a Conn.
type Option func(*Conn)

// WithCallTimeout bounds how long a caller blocks on a single request.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithStartTimeout bounds the wait for the initial connection.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithWriteRate paces outbound frames; providers cap control-message rates
// per connection.
func WithWriteRate(perSecond float64, burst int) Option {
	return func(c *Conn) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithPushHandler installs the handler invoked for push frames.
func WithPushHandler(handler PushHandler) Option {
	return func(c *Conn) {
		c.pushHandler = handler
	}
}

// Conn multiplexes concurrent request/response exchanges over one persistent
// duplex transport. A single reader loop decodes inbound frames and routes
// them to pending call slots by request id; callers block on their own slot
// with a bounded timeout.
type Conn struct {
	provider string
	dial     Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	transport Transport
	pending   map[uint64]*pendingCall

	nextID atomic.Uint64

	limiter      *rate.Limiter
	pushHandler  PushHandler
	callTimeout  time.Duration
	startTimeout time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewConn constructs a connection for the named provider. Start must be
// called before issuing requests.
func NewConn(provider string, dial Dialer, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		provider:     provider,
		dial:         dial,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateDisconnected,
		pending:      make(map[uint64]*pendingCall),
		callTimeout:  defaultCallTimeout,
		startTimeout: defaultStartTimeout,
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start begins the connection manager and waits for the first successful
// dial.
func (c *Conn) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errs.New(c.provider, errs.CodeUnreachable, errs.WithMessage("connection closed"))
	}
	c.wg.Add(1)
	go c.manage()

	select {
	case <-c.ready:
		return nil
	case <-time.After(c.startTimeout):
		return errs.New(c.provider, errs.CodeUnreachable, errs.WithMessage("timeout waiting for duplex connection"))
	case <-ctx.Done():
		return errs.New(c.provider, errs.CodeUnreachable, errs.WithCause(ctx.Err()))
	case <-c.ctx.Done():
		return errs.New(c.provider, errs.CodeUnreachable, errs.WithMessage("connection closed"))
	}
}

// Close tears the connection down and resolves every pending call to failure.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	c.state = StateDisconnected
	transport := c.transport
	c.transport = nil
	orphans := c.takePendingLocked()
	c.mu.Unlock()

	c.failAll(orphans, errs.New(c.provider, errs.CodeUnreachable, errs.WithMessage("connection closed")))
	if transport != nil {
		_ = transport.Close()
	}
	c.wg.Wait()
	return nil
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount reports the number of in-flight requests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call issues a unary request and blocks until its reply, a failure, or the
// call timeout. A timed-out request stays un-cancelled on the wire; a late
// reply for it is dropped silently.
func (c *Conn) Call(ctx context.Context, method string, payload any) ([]byte, error) {
	call, err := c.dispatch(ctx, method, payload, false)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, call); err != nil {
		return nil, err
	}
	return call.payload, nil
}

// CallStream issues a request whose reply arrives as N partial frames
// followed by an end frame, and returns the accumulated parts in provider
// emission order.
func (c *Conn) CallStream(ctx context.Context, method string, payload any) ([][]byte, error) {
	call, err := c.dispatch(ctx, method, payload, true)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, call); err != nil {
		return nil, err
	}
	return call.parts, nil
}

func (c *Conn) dispatch(ctx context.Context, method string, payload any, stream bool) (*pendingCall, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.New(c.provider, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("marshal %s request", method)), errs.WithCause(err))
		}
		raw = data
	}

	id := c.nextID.Add(1)
	call := newPendingCall(id, method, stream)

	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return nil, errs.New(c.provider, errs.CodeUnreachable,
			errs.WithMessage(fmt.Sprintf("connection %s, request rejected", state)))
	}
	transport := c.transport
	c.pending[id] = call
	depth := len(c.pending)
	c.mu.Unlock()
	c.recordDepth(depth)

	data, err := EncodeFrame(Frame{ID: id, Kind: KindRequest, Method: method, Payload: raw})
	if err != nil {
		c.deregister(id)
		return nil, errs.New(c.provider, errs.CodeInvalid, errs.WithCause(err))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.deregister(id)
			return nil, errs.New(c.provider, errs.CodeUnreachable, errs.WithCause(err))
		}
	}

	if err := transport.Write(ctx, data); err != nil {
		c.deregister(id)
		return nil, errs.New(c.provider, errs.CodeUnreachable,
			errs.WithMessage(fmt.Sprintf("write %s request", method)), errs.WithCause(err))
	}
	return call, nil
}

func (c *Conn) wait(ctx context.Context, call *pendingCall) error {
	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case <-call.done:
	case <-timer.C:
		// Deregister before resolving so a late frame finds no slot.
		c.deregister(call.id)
		call.fail(errs.New(c.provider, errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("no terminal frame for %s within %s", call.method, c.callTimeout))))
		<-call.done
	case <-ctx.Done():
		c.deregister(call.id)
		call.fail(errs.New(c.provider, errs.CodeTimeout, errs.WithCause(ctx.Err())))
		<-call.done
	}

	if call.err != nil {
		return call.err
	}
	return nil
}

// manage dials the transport and keeps it alive with exponential backoff,
// mirroring the reconnect loop used for provider stream connections.
func (c *Conn) manage() {
	defer c.wg.Done()
	bo := backoff.NewExponentialBackOff()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		transport, err := c.dial(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			observability.Log().Error("duplex dial failed",
				observability.Field{Key: "provider", Value: c.provider},
				observability.Field{Key: "error", Value: err.Error()})
			if !c.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			_ = transport.Close()
			return
		}
		c.transport = transport
		c.state = StateReady
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		bo.Reset()

		readErr := c.readLoop(transport)
		c.fatal(readErr)
		if errors.Is(readErr, context.Canceled) || c.closed.Load() {
			return
		}
		if !c.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// readLoop is the sole goroutine that reads inbound frames and mutates the
// pending table. It returns the connection-fatal error that ended it.
func (c *Conn) readLoop(transport Transport) error {
	for {
		data, err := transport.Read(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("duplex read: %w", err)
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			observability.Log().Error("drop undecodable frame",
				observability.Field{Key: "provider", Value: c.provider},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		c.route(frame)
	}
}

func (c *Conn) route(frame Frame) {
	if frame.Kind == KindPush || frame.ID == 0 {
		if c.pushHandler != nil {
			c.pushHandler(frame.Method, frame.Payload)
		}
		return
	}

	c.mu.Lock()
	call, ok := c.pending[frame.ID]
	if !ok {
		c.mu.Unlock()
		// Late frame for a timed-out or unknown id.
		observability.Log().Debug("drop frame without pending slot",
			observability.Field{Key: "provider", Value: c.provider},
			observability.Field{Key: "id", Value: frame.ID})
		return
	}
	terminal := frame.Kind != KindPartial
	if terminal {
		delete(c.pending, frame.ID)
	}
	depth := len(c.pending)
	c.mu.Unlock()
	c.recordDepth(depth)

	switch frame.Kind {
	case KindPartial:
		call.append(frame.Payload)
	case KindReply:
		call.succeed(frame.Payload)
	case KindEnd:
		call.succeed(nil)
	case KindError:
		call.fail(c.providerError(frame))
	default:
		call.fail(errs.New(c.provider, errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("unexpected frame kind %q", frame.Kind))))
	}
}

// fatal marks the connection non-ready and resolves every pending call to
// failure exactly once, atomically with the state change.
func (c *Conn) fatal(cause error) {
	c.mu.Lock()
	if c.state == StateReady || c.state == StateConnecting {
		c.state = StateDegraded
	}
	transport := c.transport
	c.transport = nil
	orphans := c.takePendingLocked()
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	failure := errs.New(c.provider, errs.CodeUnreachable,
		errs.WithMessage("connection lost"), errs.WithCause(cause))
	c.failAll(orphans, failure)
}

func (c *Conn) takePendingLocked() []*pendingCall {
	if len(c.pending) == 0 {
		return nil
	}
	orphans := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		orphans = append(orphans, call)
	}
	c.pending = make(map[uint64]*pendingCall)
	return orphans
}

func (c *Conn) failAll(calls []*pendingCall, failure *errs.E) {
	for _, call := range calls {
		call.fail(failure)
	}
	if len(calls) > 0 {
		c.recordDepth(0)
	}
}

func (c *Conn) deregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	depth := len(c.pending)
	c.mu.Unlock()
	c.recordDepth(depth)
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Conn) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Conn) recordDepth(depth int) {
	observability.Telemetry().SetGauge("duplex_pending_requests", float64(depth),
		map[string]string{"provider": c.provider})
}

func (c *Conn) providerError(frame Frame) *errs.E {
	code := errs.CodeMalformed
	switch frame.ErrCode {
	case "auth", "unauthorized", "expired":
		code = errs.CodeAuth
	case "rate_limited", "throttled":
		code = errs.CodeRateLimited
	case "unavailable":
		code = errs.CodeUnreachable
	}
	return errs.New(c.provider, code,
		errs.WithRawCode(frame.ErrCode), errs.WithRawMessage(frame.ErrMsg))
}

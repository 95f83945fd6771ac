package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/custos/errs"
)

// fakeTransport is an in-memory duplex endpoint. Tests push inbound frames
// through deliver and observe outbound requests on writes.
type fakeTransport struct {
	inbound chan []byte
	writes  chan Frame
	fail    chan error

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		writes:  make(chan Frame, 64),
		fail:    make(chan error, 1),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-t.fail:
		return nil, err
	case data := <-t.inbound:
		return data, nil
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.writes <- frame:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliver(tb testing.TB, frame Frame) {
	tb.Helper()
	data, err := EncodeFrame(frame)
	if err != nil {
		tb.Fatalf("encode frame: %v", err)
	}
	t.inbound <- data
}

func (t *fakeTransport) nextWrite(tb testing.TB) Frame {
	tb.Helper()
	select {
	case frame := <-t.writes:
		return frame
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

func startConn(t *testing.T, transport *fakeTransport, opts ...Option) *Conn {
	t.Helper()
	dial := func(ctx context.Context) (Transport, error) { return transport, nil }
	conn := NewConn("fake", dial, opts...)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("start conn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestCallRoundTrip(t *testing.T) {
	transport := newFakeTransport()
	conn := startConn(t, transport)

	go func() {
		req := transport.nextWrite(t)
		transport.deliver(t, Frame{ID: req.ID, Kind: KindReply, Payload: json.RawMessage(`{"cash":"100.50"}`)})
	}()

	payload, err := conn.Call(context.Background(), "getBalance", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(payload) != `{"cash":"100.50"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
	if got := conn.PendingCount(); got != 0 {
		t.Fatalf("pending table should be empty, got %d", got)
	}
}

func TestCallStreamAccumulatesInOrder(t *testing.T) {
	transport := newFakeTransport()
	conn := startConn(t, transport)

	go func() {
		req := transport.nextWrite(t)
		for i := 0; i < 5; i++ {
			transport.deliver(t, Frame{ID: req.ID, Kind: KindPartial, Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))})
		}
		transport.deliver(t, Frame{ID: req.ID, Kind: KindEnd})
	}()

	parts, err := conn.CallStream(context.Background(), "getPositions", nil)
	if err != nil {
		t.Fatalf("call stream: %v", err)
	}
	if len(parts) != 5 {
		t.Fatalf("expected 5 parts, got %d", len(parts))
	}
	for i, part := range parts {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(part) != want {
			t.Fatalf("part %d out of order: got %s want %s", i, part, want)
		}
	}
}

func TestTimeoutCleansPendingSlot(t *testing.T) {
	transport := newFakeTransport()
	conn := startConn(t, transport, WithCallTimeout(50*time.Millisecond))

	before := conn.PendingCount()
	_, err := conn.Call(context.Background(), "getBalance", nil)
	if !errs.Is(err, errs.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := conn.PendingCount(); got != before {
		t.Fatalf("pending table should return to %d entries, got %d", before, got)
	}
}

func TestLateFrameAfterTimeoutIsDropped(t *testing.T) {
	transport := newFakeTransport()
	conn := startConn(t, transport, WithCallTimeout(50*time.Millisecond))

	_, err := conn.Call(context.Background(), "getBalance", nil)
	if !errs.Is(err, errs.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The original request stays un-cancelled on the wire; a late reply must
	// be dropped silently and the connection must keep serving new calls.
	req := transport.nextWrite(t)
	transport.deliver(t, Frame{ID: req.ID, Kind: KindReply, Payload: json.RawMessage(`"late"`)})

	go func() {
		next := transport.nextWrite(t)
		transport.deliver(t, Frame{ID: next.ID, Kind: KindReply, Payload: json.RawMessage(`"fresh"`)})
	}()
	payload, err := conn.Call(context.Background(), "getBalance", nil)
	if err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
	if string(payload) != `"fresh"` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestProviderErrorFrameResolvesCall(t *testing.T) {
	transport := newFakeTransport()
	conn := startConn(t, transport)

	go func() {
		req := transport.nextWrite(t)
		transport.deliver(t, Frame{ID: req.ID, Kind: KindError, ErrCode: "auth", ErrMsg: "session expired"})
	}()

	_, err := conn.Call(context.Background(), "getBalance", nil)
	if !errs.Is(err, errs.CodeAuth) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestExactlyOnceResolutionUnderConcurrency(t *testing.T) {
	transport := newFakeTransport()
	conn := startConn(t, transport, WithCallTimeout(500*time.Millisecond))

	const calls = 40

	// Responder: replies to even ids, errors odd ids.
	go func() {
		for i := 0; i < calls; i++ {
			req := transport.nextWrite(t)
			if req.ID%2 == 0 {
				transport.deliver(t, Frame{ID: req.ID, Kind: KindReply, Payload: json.RawMessage(`"ok"`)})
			} else {
				transport.deliver(t, Frame{ID: req.ID, Kind: KindError, ErrCode: "unavailable", ErrMsg: "busy"})
			}
		}
	}()

	var resolutions atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.Call(context.Background(), "op", nil)
			if err != nil && !errs.Is(err, errs.CodeUnreachable) {
				t.Errorf("unexpected error kind: %v", err)
			}
			resolutions.Add(1)
		}()
	}
	wg.Wait()

	if got := resolutions.Load(); got != calls {
		t.Fatalf("expected %d resolutions, got %d", calls, got)
	}
	if got := conn.PendingCount(); got != 0 {
		t.Fatalf("pending table should be empty, got %d", got)
	}
}

func TestFatalErrorFailsAllPendingOnce(t *testing.T) {
	transport := newFakeTransport()

	var dials atomic.Int64
	dial := func(ctx context.Context) (Transport, error) {
		if dials.Add(1) > 1 {
			// Hold subsequent dials so the test observes the degraded state.
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return transport, nil
	}
	conn := NewConn("fake", dial, WithCallTimeout(5*time.Second))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("start conn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	const inflight = 8
	errsCh := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		go func() {
			_, err := conn.Call(context.Background(), "op", nil)
			errsCh <- err
		}()
	}
	for i := 0; i < inflight; i++ {
		transport.nextWrite(t)
	}

	transport.fail <- errors.New("connection reset by peer")

	for i := 0; i < inflight; i++ {
		select {
		case err := <-errsCh:
			if !errs.Is(err, errs.CodeUnreachable) {
				t.Fatalf("expected unreachable, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was never resolved after connection fatality")
		}
	}
	if got := conn.PendingCount(); got != 0 {
		t.Fatalf("pending table should be cleared, got %d", got)
	}
	if state := conn.State(); state != StateDegraded && state != StateConnecting {
		t.Fatalf("expected degraded/connecting after fatality, got %s", state)
	}
}

func TestRejectsRequestsWhenNotReady(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) { return newFakeTransport(), nil }
	conn := NewConn("fake", dial)

	// Never started: state is disconnected.
	_, err := conn.Call(context.Background(), "op", nil)
	if !errs.Is(err, errs.CodeUnreachable) {
		t.Fatalf("expected unreachable before start, got %v", err)
	}

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("start conn: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close conn: %v", err)
	}
	_, err = conn.Call(context.Background(), "op", nil)
	if !errs.Is(err, errs.CodeUnreachable) {
		t.Fatalf("expected unreachable after close, got %v", err)
	}
}

func TestPushFramesBypassPendingTable(t *testing.T) {
	transport := newFakeTransport()

	pushes := make(chan string, 1)
	conn := startConn(t, transport, WithPushHandler(func(method string, payload []byte) {
		pushes <- method + ":" + string(payload)
	}))

	transport.deliver(t, Frame{Kind: KindPush, Method: "orderUpdate", Payload: json.RawMessage(`{"sym":"AAPL"}`)})

	select {
	case got := <-pushes:
		if got != `orderUpdate:{"sym":"AAPL"}` {
			t.Fatalf("unexpected push %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push frame was not delivered")
	}
	if got := conn.PendingCount(); got != 0 {
		t.Fatalf("push frames must not register pending slots, got %d", got)
	}
}

func TestReconnectRestoresReadyState(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()

	var dials atomic.Int64
	dial := func(ctx context.Context) (Transport, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	conn := NewConn("fake", dial)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("start conn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	first.fail <- errors.New("eof")

	deadline := time.Now().Add(5 * time.Second)
	for dials.Load() < 2 || conn.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatal("connection never returned to ready after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	go func() {
		req := second.nextWrite(t)
		second.deliver(t, Frame{ID: req.ID, Kind: KindReply, Payload: json.RawMessage(`"ok"`)})
	}()
	if _, err := conn.Call(context.Background(), "op", nil); err != nil {
		t.Fatalf("call after reconnect: %v", err)
	}
}

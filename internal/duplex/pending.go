package duplex

import (
	"sync"

	"github.com/coachpo/custos/errs"
)

// pendingCall is the single-assignment slot a caller blocks on while the
// reader loop routes frames for its request id. Exactly one resolution
// (success, failure, or timeout) wins; the rest are no-ops.
type pendingCall struct {
	id     uint64
	method string
	stream bool

	once sync.Once
	done chan struct{}

	// parts accumulates streamed partial frames. Only the reader loop writes
	// here; waiters read after done is closed, which orders the accesses.
	parts   [][]byte
	payload []byte
	err     *errs.E
}

func newPendingCall(id uint64, method string, stream bool) *pendingCall {
	return &pendingCall{
		id:     id,
		method: method,
		stream: stream,
		done:   make(chan struct{}),
	}
}

func (c *pendingCall) append(payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.parts = append(c.parts, buf)
}

func (c *pendingCall) succeed(payload []byte) {
	c.once.Do(func() {
		if payload != nil {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			c.payload = buf
		}
		close(c.done)
	})
}

func (c *pendingCall) fail(err *errs.E) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

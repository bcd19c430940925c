package streaminghttp

import (
	"context"
	"errors"
	"sync"

	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/mcpserver"
)

// DefaultQueueSize bounds the notifications held for a session whose
// notification stream is not attached.
const DefaultQueueSize = 256

var errOutboxClosed = errors.New("session stream closed")

// outbox holds the server-initiated messages of one session until its GET
// stream delivers them. When full, the oldest message is dropped.
type outbox struct {
	max int

	mu        sync.Mutex
	queue     []jsonrpc.Message
	dropped   int
	attached  bool
	closed    bool
	onClose   func()
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ mcpserver.MessageWriter = (*outbox)(nil)

func newOutbox(max int) *outbox {
	if max <= 0 {
		max = DefaultQueueSize
	}
	return &outbox{
		max:   max,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (o *outbox) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errOutboxClosed
	}
	if len(o.queue) >= o.max {
		o.queue = o.queue[1:]
		o.dropped++
	}
	o.queue = append(o.queue, append(jsonrpc.Message(nil), msg...))
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the outbox and releases any attached stream. It is idempotent.
func (o *outbox) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		fn := o.onClose
		o.mu.Unlock()
		close(o.done)
		if fn != nil {
			fn()
		}
	})
	return nil
}

// setOnClose installs fn to run when the outbox closes. It reports false,
// without installing fn, if the outbox is already closed.
func (o *outbox) setOnClose(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.onClose = fn
	return true
}

// attach claims the outbox for one stream. It fails if a stream is already
// attached.
func (o *outbox) attach() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attached || o.closed {
		return false
	}
	o.attached = true
	return true
}

func (o *outbox) detach() {
	o.mu.Lock()
	o.attached = false
	o.mu.Unlock()
}

// drain removes and returns every queued message along with the number of
// messages dropped since the previous drain.
func (o *outbox) drain() ([]jsonrpc.Message, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, d := o.queue, o.dropped
	o.queue, o.dropped = nil, 0
	return q, d
}

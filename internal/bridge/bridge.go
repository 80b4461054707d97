// Package bridge carries adapter output to the HTTP caller. One Bridge is
// created per completion request at dispatch and torn down at its terminal
// signal; listeners are never reused across requests.
package bridge

import (
	"errors"
	"sync"

	"github.com/tabrelay/tabrelay-gateway/internal/openai"
)

// DefaultBuffer is the chunk channel capacity used when the config does not
// override it.
const DefaultBuffer = 256

// ErrSlowConsumer is the terminal error for requests whose consumer stopped
// draining. Losing a fragment would corrupt the reassembled tool-call
// argument stream, so a full buffer fails the request instead.
var ErrSlowConsumer = errors.New("bridge: consumer stalled, chunk buffer full")

// Bridge is the per-request channel set between one adapter and one HTTP
// response. Exactly one consumer drains Chunks; Complete and Fail are the
// two terminal signals, both idempotent.
type Bridge struct {
	requestID string

	mu     sync.Mutex
	closed bool
	err    error

	ch      chan openai.ChatCompletionChunk
	onClose func()
}

// New creates a bridge for one request. onClose runs exactly once, on the
// first terminal signal, and is where the request deregisters its listener.
func New(requestID string, buffer int, onClose func()) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bridge{
		requestID: requestID,
		ch:        make(chan openai.ChatCompletionChunk, buffer),
		onClose:   onClose,
	}
}

// RequestID returns the request this bridge belongs to.
func (b *Bridge) RequestID() string { return b.requestID }

// Chunks is the consumer side: it yields adapter chunks in publish order and
// is closed by the terminal signal. After it closes, Err reports whether the
// request failed.
func (b *Bridge) Chunks() <-chan openai.ChatCompletionChunk { return b.ch }

// Publish enqueues one chunk. Chunks published after the terminal signal are
// discarded. A full buffer fails the bridge with ErrSlowConsumer rather than
// blocking the worker's event loop or dropping a fragment.
func (b *Bridge) Publish(chunk openai.ChatCompletionChunk) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	select {
	case b.ch <- chunk:
		b.mu.Unlock()
		return true
	default:
	}
	b.closed = true
	b.err = ErrSlowConsumer
	close(b.ch)
	onClose := b.onClose
	b.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return false
}

// Complete signals normal termination (message_stop observed). Idempotent.
func (b *Bridge) Complete() { b.terminate(nil) }

// Fail signals abnormal termination: an adapter fault, a vendor error event,
// or the worker disappearing mid-stream. Idempotent; the first terminal
// signal wins.
func (b *Bridge) Fail(err error) { b.terminate(err) }

func (b *Bridge) terminate(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = err
	close(b.ch)
	onClose := b.onClose
	b.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

// Err reports the terminal error, valid once Chunks has closed.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

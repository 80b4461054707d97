// Package broker owns the in-flight RequestContexts: the 1:1 binding
// between a completion request, its worker, its adapter, and its bridge.
package broker

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/bridge"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
	"github.com/tabrelay/tabrelay-gateway/internal/translate"
)

// ErrWorkerBusy is returned when the selected worker already services a
// request; a tab can run only one completion at a time.
var ErrWorkerBusy = errors.New("broker: worker busy")

// ErrWorkerGone is the terminal error for requests whose worker
// disconnected or was evicted mid-stream.
var ErrWorkerGone = errors.New("broker: worker disconnected mid-stream")

// RequestContext binds one completion request to its worker, adapter, and
// bridge. It lives from dispatch until the request's terminal signal.
type RequestContext struct {
	ID             string
	TabID          string
	ConversationID string
	Adapter        *translate.Adapter
	Bridge         *bridge.Bridge

	acc *translate.Accumulator
}

// CompletionHook receives the aggregated response of every normally
// completed request; the archive consumer hangs off this. Failures inside
// the hook must not affect the request.
type CompletionHook func(rc *RequestContext, resp openai.ChatCompletionResponse)

// Broker tracks in-flight requests keyed by worker tab.
type Broker struct {
	mu    sync.Mutex
	byTab map[string]*RequestContext

	buffer     int
	onComplete CompletionHook
	logger     *log.Logger
}

// New creates a broker whose bridges use the given chunk buffer size.
func New(buffer int, logger *log.Logger) *Broker {
	return &Broker{
		byTab:  make(map[string]*RequestContext),
		buffer: buffer,
		logger: logger,
	}
}

// SetCompletionHook installs the finalized-completion consumer. Must be
// called before traffic starts.
func (b *Broker) SetCompletionHook(hook CompletionHook) { b.onComplete = hook }

// Open creates and registers the RequestContext for a dispatched request.
// The returned bridge deregisters the context on its first terminal signal.
func (b *Broker) Open(tabID, conversationID, model string) (*RequestContext, error) {
	rc := &RequestContext{
		ID:             uuid.NewString(),
		TabID:          tabID,
		ConversationID: conversationID,
		Adapter:        translate.NewAdapter(model),
		acc:            translate.NewAccumulator(),
	}
	rc.Bridge = bridge.New(rc.ID, b.buffer, func() { b.release(rc) })

	b.mu.Lock()
	if _, busy := b.byTab[tabID]; busy {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: tab=%s", ErrWorkerBusy, tabID)
	}
	b.byTab[tabID] = rc
	b.mu.Unlock()
	return rc, nil
}

func (b *Broker) release(rc *RequestContext) {
	b.mu.Lock()
	if cur, ok := b.byTab[rc.TabID]; ok && cur.ID == rc.ID {
		delete(b.byTab, rc.TabID)
	}
	b.mu.Unlock()
}

// lookup returns the request currently bound to the tab, if any.
func (b *Broker) lookup(tabID string) *RequestContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byTab[tabID]
}

// HandleEvent feeds one stream event from a worker into the request bound
// to it, preserving arrival order (the caller is the tab's single read
// loop). Events for a tab with no bound request are dropped; that is normal
// tab chatter outside a completion.
func (b *Broker) HandleEvent(tabID string, ev *anthropic.StreamEvent) {
	rc := b.lookup(tabID)
	if rc == nil {
		if b.logger != nil {
			b.logger.Printf("broker: dropped %s from unbound tab=%s", ev.Type, tabID)
		}
		return
	}

	chunks, err := rc.Adapter.Process(ev)
	if err != nil {
		if b.logger != nil {
			b.logger.Printf("broker: request=%s tab=%s fault: %v", rc.ID, tabID, err)
		}
		rc.Bridge.Fail(err)
		return
	}
	for _, chunk := range chunks {
		rc.acc.Add(chunk)
		rc.Bridge.Publish(chunk)
	}
	if ev.Type == anthropic.EventMessageStop {
		rc.Bridge.Complete()
		if b.onComplete != nil {
			b.onComplete(rc, rc.acc.Response())
		}
	}
}

// FailWorker fails the request bound to an evicted or disconnected worker.
// The request is never silently resolved.
func (b *Broker) FailWorker(tabID string) {
	rc := b.lookup(tabID)
	if rc == nil {
		return
	}
	if b.logger != nil {
		b.logger.Printf("broker: failing request=%s, worker tab=%s gone", rc.ID, tabID)
	}
	rc.Bridge.Fail(ErrWorkerGone)
}

// InFlight reports the number of bound requests.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byTab)
}

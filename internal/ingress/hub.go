// Package ingress accepts one WebSocket connection per browser-tab worker,
// decodes inbound frames into the stream-event union, keeps worker liveness
// current, and carries outbound prompt submissions back to the tab.
package ingress

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/broker"
	"github.com/tabrelay/tabrelay-gateway/internal/session"
)

// ErrWorkerNotConnected is returned when a prompt targets a tab with no
// live connection.
var ErrWorkerNotConnected = errors.New("ingress: worker not connected")

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Outbound frame types on the worker transport.
const (
	frameNewChatRequest = "new_chat_request"
	framePing           = "ping"
)

type outboundFrame struct {
	Type string      `json:"type"`
	Data *promptData `json:"data,omitempty"`
}

type promptData struct {
	ChatMessages []promptMessage `json:"chat_messages"`
}

type promptMessage struct {
	Text string `json:"text"`
}

type conn struct {
	ws        *websocket.Conn
	sendCh    chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	tabID string // set on worker_register
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// tab returns the worker tab bound to this connection, empty before
// worker_register. Guarded because SendPrompt reads it from HTTP goroutines.
func (c *conn) tab() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabID
}

func (c *conn) setTab(tabID string) {
	c.mu.Lock()
	c.tabID = tabID
	c.mu.Unlock()
}

// Hub owns all worker connections. One read goroutine per connection keeps
// that worker's events in arrival order; a paired write loop drains the
// buffered outbound queue.
type Hub struct {
	registry *session.Registry
	broker   *broker.Broker
	logger   *log.Logger

	mu    sync.Mutex
	byTab map[string]*conn
}

// NewHub creates the ingress hub.
func NewHub(registry *session.Registry, br *broker.Broker, logger *log.Logger) *Hub {
	return &Hub{
		registry: registry,
		broker:   br,
		logger:   logger,
		byTab:    make(map[string]*conn),
	}
}

// HandleWS upgrades one browser-tab connection and serves it until the tab
// disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Workers are injected browser extensions; the page origin is the
		// vendor's, not ours.
		InsecureSkipVerify: true,
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("ingress: websocket accept failed: %v", err)
		}
		return
	}

	c := &conn{
		ws:     ws,
		sendCh: make(chan outboundFrame, sendBuffer),
		done:   make(chan struct{}),
	}

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)

	// Teardown: the read loop returned, so the tab is gone.
	c.close()
	h.detach(c)
	ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return // connection closed
		}

		ev, err := anthropic.DecodeEvent(data)
		if err != nil {
			// Transport-parse error: log and keep the connection open.
			if h.logger != nil {
				h.logger.Printf("ingress: bad frame tab=%s: %v", c.tab(), err)
			}
			continue
		}
		h.dispatch(c, ev)
	}
}

func (h *Hub) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// dispatch handles one decoded frame inline on the connection's read loop,
// preserving per-worker arrival order.
func (h *Hub) dispatch(c *conn, ev *anthropic.StreamEvent) {
	switch ev.Type {
	case anthropic.EventPing:
		if tab := c.tab(); tab != "" {
			h.registry.Touch(tab)
		}
		h.enqueue(c, outboundFrame{Type: framePing})

	case anthropic.EventWorkerRegister:
		if !ev.IsWorker || ev.TabID == "" {
			if h.logger != nil {
				h.logger.Printf("ingress: ignoring non-worker register client=%s path=%s", ev.ClientID, ev.Pathname)
			}
			return
		}
		h.attach(c, ev.TabID)
		h.registry.Register(ev.TabID, ev.ClientID)

	case anthropic.EventWorkerUpdateActive:
		tabID := ev.TabID
		if tabID == "" {
			tabID = c.tab()
		}
		h.registry.SetActive(tabID, ev.ConversationID)

	case anthropic.EventTabFocus:
		if tab := c.tab(); tab != "" {
			h.registry.Touch(tab)
		}

	default:
		if !ev.IsStreamEvent() {
			return
		}
		tab := c.tab()
		if tab == "" {
			if h.logger != nil {
				h.logger.Printf("ingress: dropped %s from unregistered connection", ev.Type)
			}
			return
		}
		h.registry.Touch(tab)
		h.broker.HandleEvent(tab, ev)
	}
}

func (h *Hub) enqueue(c *conn, frame outboundFrame) bool {
	select {
	case c.sendCh <- frame:
		return true
	default:
		if h.logger != nil {
			h.logger.Printf("ingress: dropped outbound %s for slow worker tab=%s", frame.Type, c.tab())
		}
		return false
	}
}

func (h *Hub) attach(c *conn, tabID string) {
	c.setTab(tabID)
	h.mu.Lock()
	if old, ok := h.byTab[tabID]; ok && old != c {
		old.close()
	}
	h.byTab[tabID] = c
	h.mu.Unlock()
}

// detach removes the connection and evicts its session, unless a reconnect
// for the same tab has already superseded it; the registry's eviction
// cascade fails any request still bound to the worker.
func (h *Hub) detach(c *conn) {
	tabID := c.tab()
	if tabID == "" {
		return
	}
	h.mu.Lock()
	cur, ok := h.byTab[tabID]
	owned := ok && cur == c
	if owned {
		delete(h.byTab, tabID)
	}
	h.mu.Unlock()
	if !owned {
		// The tab re-registered on a newer connection; the session now
		// belongs to that one.
		return
	}
	if h.logger != nil {
		h.logger.Printf("ingress: worker disconnected tab=%s", tabID)
	}
	h.registry.Evict(tabID)
}

// CloseWorker closes the connection of an evicted worker, if still present.
// Wired as part of the registry's eviction cascade.
func (h *Hub) CloseWorker(tabID string) {
	h.mu.Lock()
	c, ok := h.byTab[tabID]
	if ok {
		delete(h.byTab, tabID)
	}
	h.mu.Unlock()
	if ok {
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "session evicted")
	}
}

// SendPrompt instructs the tab to submit a synthesized prompt into the
// vendor chat UI.
func (h *Hub) SendPrompt(tabID, text string) error {
	h.mu.Lock()
	c, ok := h.byTab[tabID]
	h.mu.Unlock()
	if !ok {
		return ErrWorkerNotConnected
	}
	frame := outboundFrame{
		Type: frameNewChatRequest,
		Data: &promptData{ChatMessages: []promptMessage{{Text: text}}},
	}
	if !h.enqueue(c, frame) {
		return ErrWorkerNotConnected
	}
	return nil
}

// Shutdown closes every worker connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.byTab))
	for _, c := range h.byTab {
		conns = append(conns, c)
	}
	h.byTab = make(map[string]*conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/utils"
)

// MsgSyncHistory tags reconciliation requests and replies on the push channel.
const MsgSyncHistory = "sync-history"

// ClientMessage is a message sent by an observer.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SyncReply answers a sync-history request.
type SyncReply struct {
	Type string   `json:"type"`
	Data []string `json:"data"`
}

// observer is one connected push channel client.
type observer struct {
	id   string
	ws   *websocket.Conn
	sub  *events.Subscription
	sync *Reconciler
}

// Hub broadcasts engine events to every connected observer and answers
// their history sync requests.
type Hub struct {
	bus   *events.Bus
	index HistoryIndex
	allow func(origin string) bool

	mu        sync.Mutex
	observers map[string]*observer
	closed    bool
	wg        sync.WaitGroup
}

// NewHub creates a hub. allow decides on the Origin header of browser
// clients; connections without an Origin are always accepted.
func NewHub(bus *events.Bus, index HistoryIndex, allow func(origin string) bool) *Hub {
	return &Hub{
		bus:       bus,
		index:     index,
		allow:     allow,
		observers: make(map[string]*observer),
	}
}

// Handler returns the websocket endpoint. The returned handler hijacks the
// connection, so it must not sit behind middleware that wraps the writer.
func (h *Hub) Handler() http.Handler {
	return websocket.Server{
		Handshake: h.handshake,
		Handler:   h.serve,
	}
}

func (h *Hub) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	if origin == nil {
		return nil
	}
	cfg.Origin = origin
	if h.allow != nil && !h.allow(origin.Scheme+"://"+origin.Host) {
		utils.Debug("Gateway: rejected websocket origin %s", origin)
		return fmt.Errorf("origin %s not allowed", origin)
	}
	return nil
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *Hub) register(ws *websocket.Conn) (*observer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	o := &observer{
		id:   uuid.New().String(),
		ws:   ws,
		sub:  h.bus.Subscribe(),
		sync: NewReconciler(h.index),
	}
	h.observers[o.id] = o
	h.wg.Add(1)
	return o, true
}

func (h *Hub) unregister(o *observer) {
	h.mu.Lock()
	delete(h.observers, o.id)
	h.mu.Unlock()
	o.sub.Close()
	_ = o.ws.Close()
}

func (h *Hub) serve(ws *websocket.Conn) {
	o, ok := h.register(ws)
	if !ok {
		_ = ws.Close()
		return
	}
	defer h.wg.Done()
	defer h.unregister(o)

	utils.Debug("Gateway: observer %s connected", o.id)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.forward(o)
	}()

	h.read(o)
	o.sub.Close()
	_ = ws.Close()
	<-writerDone
	utils.Debug("Gateway: observer %s disconnected", o.id)
}

// forward pushes bus events to the observer until either side goes away.
func (h *Hub) forward(o *observer) {
	for msg := range o.sub.C() {
		env, err := events.Encode(msg)
		if err != nil {
			utils.Debug("Gateway: skipping event: %v", err)
			continue
		}
		if err := websocket.JSON.Send(o.ws, env); err != nil {
			utils.Debug("Gateway: dropping observer %s: %v", o.id, err)
			_ = o.ws.Close()
			return
		}
	}
}

// read handles client messages until the connection fails.
func (h *Hub) read(o *observer) {
	for {
		var raw []byte
		if err := websocket.Message.Receive(o.ws, &raw); err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			utils.Debug("Gateway: malformed message from %s: %v", o.id, err)
			continue
		}

		switch msg.Type {
		case MsgSyncHistory:
			var ids []string
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &ids); err != nil {
					utils.Debug("Gateway: malformed sync-history from %s: %v", o.id, err)
					continue
				}
			}
			missing, err := o.sync.Sync(context.Background(), ids)
			if err != nil {
				utils.Debug("Gateway: sync-history for %s failed: %v", o.id, err)
				continue
			}
			if err := websocket.JSON.Send(o.ws, SyncReply{Type: MsgSyncHistory, Data: missing}); err != nil {
				return
			}
		default:
			utils.Debug("Gateway: ignoring %q message from %s", msg.Type, o.id)
		}
	}
}

// Close disconnects every observer and waits for their handlers to return.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	observers := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	for _, o := range observers {
		_ = o.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("observers still connected"), ctx.Err())
	}
}

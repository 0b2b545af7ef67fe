package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stratosight/geotak/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// subscriber send buffer; a client that can't keep up is dropped.
const subscriberBuffer = 32

// LiveHub fans queued detections out to websocket subscribers. Broadcast
// never blocks the ingress path.
type LiveHub struct {
	mu   sync.Mutex
	subs map[chan pipeline.LiveEvent]struct{}
}

func NewLiveHub() *LiveHub {
	return &LiveHub{subs: make(map[chan pipeline.LiveEvent]struct{})}
}

// Broadcast implements pipeline.Broadcaster.
func (h *LiveHub) Broadcast(evt pipeline.LiveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Slow consumer; its reader loop will close the socket.
			close(ch)
			delete(h.subs, ch)
		}
	}
}

func (h *LiveHub) subscribe() chan pipeline.LiveEvent {
	ch := make(chan pipeline.LiveEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *LiveHub) unsubscribe(ch chan pipeline.LiveEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		close(ch)
		delete(h.subs, ch)
	}
	h.mu.Unlock()
}

// GET /api/v1/detections/live upgrades to a websocket stream of LiveEvent JSON.
func (h *LiveHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] api: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unsubscribe(ch)
				return
			}
		}
	}()

	for evt := range ch {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

package httpserver

import (
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"papertrade/internal/pricing"
)

// WSHandler streams quote updates to connected clients. A client can narrow
// the stream to a set of token addresses via a subscribe control message;
// with no filter it receives everything.
type WSHandler struct {
	bus      *pricing.Bus
	secret   []byte
	origin   string
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *pricing.Bus, secret []byte, origin string) *WSHandler {
	return &WSHandler{
		bus:    bus,
		secret: secret,
		origin: origin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

type wsControlMessage struct {
	Type      string   `json:"type"`
	Addresses []string `json:"addresses,omitempty"`
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Browser clients authenticate via query param.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if _, err := parseAccountToken(h.secret, token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	var filterMu sync.RWMutex
	filter := map[string]struct{}{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(ctrl.Type)) {
			case "subscribe":
				next := make(map[string]struct{}, len(ctrl.Addresses))
				for _, a := range ctrl.Addresses {
					next[a] = struct{}{}
				}
				filterMu.Lock()
				filter = next
				filterMu.Unlock()
			case "unsubscribe":
				filterMu.Lock()
				filter = map[string]struct{}{}
				filterMu.Unlock()
			}
		}
	}()

	for {
		select {
		case <-done:
			// Reader saw the close; drop the subscription even if the
			// market is quiet.
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if quote, ok := evt.Data.(*pricing.Quote); ok {
				filterMu.RLock()
				_, wanted := filter[quote.Address]
				narrowed := len(filter) > 0
				filterMu.RUnlock()
				if narrowed && !wanted {
					continue
				}
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

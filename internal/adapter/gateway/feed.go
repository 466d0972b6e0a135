package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"isa-warehouse/internal/domain"
)

// feedClient tracks a single WebSocket connection.
type feedClient struct {
	principal domain.Principal
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (c *feedClient) close() { c.closeOnce.Do(func() { close(c.done) }) }

// Feed streams record events to WebSocket clients. A client only receives
// events for models its roles may read.
type Feed struct {
	bus      domain.EventBus
	resolver domain.PermissionResolver
	auth     Authenticator
	logger   *slog.Logger
	clients  sync.Map // connID (uint64) -> *feedClient
	nextID   atomic.Uint64
	unsub    func()
}

// NewFeed creates the event feed and subscribes it to the bus.
func NewFeed(bus domain.EventBus, resolver domain.PermissionResolver, auth Authenticator, logger *slog.Logger) *Feed {
	f := &Feed{bus: bus, resolver: resolver, auth: auth, logger: logger}
	f.unsub = bus.SubscribeAll(f.broadcast)
	return f
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	n := 0
	f.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

func (f *Feed) broadcast(ctx context.Context, event domain.Event) {
	switch event.Type {
	case domain.EventRecordCreated, domain.EventRecordUpdated, domain.EventRecordDeleted:
	default:
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}

	f.clients.Range(func(_, value any) bool {
		c := value.(*feedClient)
		perms := f.resolver.Resolve(ctx, c.principal.User, c.principal.Roles, []string{event.Model})
		if !perms.Allows(event.Model, domain.ActionRead) {
			return true
		}
		select {
		case c.sendCh <- frame:
		default:
			f.logger.Warn("event feed: dropped event for slow client", "user", c.principal.User)
		}
		return true
	})
}

// ServeHTTP upgrades the request. The token comes from the Authorization
// header or, for browsers, the "token" query parameter.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	p, err := f.auth.Authenticate(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: string(domain.ErrorCodeOf(err))})
		return
	}

	// The server write timeout would otherwise cut long-lived feeds.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		f.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := f.nextID.Add(1)
	c := &feedClient{
		principal: p,
		ws:        ws,
		sendCh:    make(chan Frame, 64),
		done:      make(chan struct{}),
	}
	hello, _ := json.Marshal(map[string]any{"user": p.User, "roles": p.Roles})
	c.sendCh <- Frame{Type: FrameTypeHello, Payload: hello}
	f.clients.Store(connID, c)
	f.logger.Info("event feed client connected", "conn_id", connID, "user", p.User)

	go f.writeLoop(c)

	// Clients send nothing; reading keeps control frames flowing and
	// detects disconnects.
	ctx := ws.CloseRead(r.Context())
	select {
	case <-ctx.Done():
	case <-c.done:
	}

	c.close()
	f.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	f.logger.Info("event feed client disconnected", "conn_id", connID)
}

func (f *Feed) writeLoop(c *feedClient) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (f *Feed) Close() {
	if f.unsub != nil {
		f.unsub()
	}
	f.clients.Range(func(key, value any) bool {
		c := value.(*feedClient)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		f.clients.Delete(key)
		return true
	})
}

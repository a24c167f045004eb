// Package server exposes the IPC surface over a loopback websocket. Each
// webview zone connects once; requests are dispatched in arrival order per
// connection and bus events are pushed as one-way frames.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/validate"
)

const (
	frameTypeRequest  = "request"
	frameTypeResponse = "response"
	frameTypeEvent    = "event"
)

// frame is the single wire envelope. Requests carry id/route/args, responses
// carry id/result/error, events carry channel/payload.
type frame struct {
	Type      string          `json:"type"`
	ID        uint64          `json:"id,omitempty"`
	Route     string          `json:"route,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     any             `json:"error,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   any             `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Server accepts webview connections, dispatches their requests through the
// router, and fans bus events out to connected zones.
type Server struct {
	router     *ipc.Router
	bus        *eventbus.Bus
	history    *ipc.History
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
}

type Options struct {
	Router  *ipc.Router
	Bus     *eventbus.Bus
	History *ipc.History

	// OriginAllowed overrides the built-in origin allow list.
	OriginAllowed func(origin string) bool
}

func New(opts Options) *Server {
	s := &Server{
		router:     opts.Router,
		bus:        opts.Bus,
		history:    opts.History,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	originAllowed := opts.OriginAllowed
	if originAllowed == nil {
		originAllowed = defaultOriginAllowed
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originAllowed(origin)
		},
	}
	return s
}

// Run drives client registration and the event fan-out until Shutdown.
func (s *Server) Run() {
	events := s.subscribeAll()
	defer func() {
		for _, sub := range events {
			sub.Close()
		}
	}()

	merged := make(chan eventbus.Envelope, 256)
	var wg sync.WaitGroup
	for _, sub := range events {
		wg.Add(1)
		go func(sub *eventbus.Subscription) {
			defer wg.Done()
			for env := range sub.C() {
				select {
				case merged <- env:
				case <-s.done:
					return
				}
			}
		}(sub)
	}

	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
			log.Printf("[IPC] %s client connected (instance %q)", c.caller.Zone, c.caller.InstanceID)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				// The dispatch loop drains what is queued, then closes
				// c.send itself; closing it here would race its replies.
				close(c.requests)
			}
			s.mu.Unlock()
			log.Printf("[IPC] %s client disconnected (instance %q)", c.caller.Zone, c.caller.InstanceID)

		case env := <-merged:
			if s.history != nil {
				s.history.Record(env)
			}
			s.pushEvent(env)

		case <-s.done:
			wg.Wait()
			return
		}
	}
}

// Shutdown stops the run loop. Open websocket connections close as their
// pumps notice the server going away.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) subscribeAll() []*eventbus.Subscription {
	if s.bus == nil {
		return nil
	}
	topics := eventbus.AllTopics()
	subs := make([]*eventbus.Subscription, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, s.bus.Subscribe(topic, eventbus.WithSubscriptionName("ipc-push")))
	}
	return subs
}

func (s *Server) pushEvent(env eventbus.Envelope) {
	payload, err := json.Marshal(frame{
		Type:      frameTypeEvent,
		Channel:   string(env.Topic),
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		log.Printf("[IPC] marshaling event %s: %v", env.Topic, err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !eventVisibleTo(c.caller, env) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Client's send channel is full, skip
		}
	}
}

// eventVisibleTo keeps instance-scoped streams private: a tool zone only
// sees terminal traffic belonging to its own instance. The UI zone sees
// everything.
func eventVisibleTo(caller ipc.Caller, env eventbus.Envelope) bool {
	if caller.IsUI() {
		return true
	}
	switch env.Topic {
	case eventbus.TopicTerminalOutput:
		if out, ok := env.Payload.(eventbus.TerminalOutputEvent); ok {
			return out.InstanceID == caller.InstanceID
		}
		return false
	case eventbus.TopicTerminalCommandCompleted:
		if done, ok := env.Payload.(eventbus.TerminalCommandEvent); ok {
			return done.InstanceID == caller.InstanceID
		}
		return false
	default:
		return true
	}
}

// ClientCount returns the number of connected zones.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket upgrades one webview connection. The zone identifies
// itself through query parameters; tool zones must present their bound
// instance and tool ids, which the supervisor minted at launch.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[IPC] websocket upgrade: %v", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		caller:   caller,
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 1024),
		requests: make(chan ipc.Request, 64),
	}

	s.register <- c

	go c.writePump()
	go c.dispatchLoop()
	go c.readPump()
}

func callerFromRequest(r *http.Request) (ipc.Caller, error) {
	q := r.URL.Query()
	switch ipc.Zone(q.Get("zone")) {
	case ipc.ZoneUI:
		return ipc.Caller{Zone: ipc.ZoneUI}, nil
	case ipc.ZoneTool:
		instanceID := q.Get("instanceId")
		toolID := q.Get("toolId")
		if instanceID == "" || toolID == "" {
			return ipc.Caller{}, errMissingIdentity
		}
		if !validate.Ident(toolID) {
			return ipc.Caller{}, &identityError{"connection declared an invalid toolId"}
		}
		return ipc.Caller{Zone: ipc.ZoneTool, InstanceID: instanceID, ToolID: toolID}, nil
	default:
		return ipc.Caller{}, errUnknownZone
	}
}

var (
	errMissingIdentity = &identityError{"tool zone connection missing instanceId/toolId"}
	errUnknownZone     = &identityError{"connection did not declare a valid zone"}
)

type identityError struct{ msg string }

func (e *identityError) Error() string { return e.msg }

type client struct {
	id       string
	caller   ipc.Caller
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	requests chan ipc.Request
}

// readPump parses inbound frames and queues requests for the dispatch loop.
func (c *client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[IPC] read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			log.Printf("[IPC] dropping malformed frame from %s client: %v", c.caller.Zone, err)
			continue
		}
		if f.Type != frameTypeRequest {
			continue
		}

		// Blocking send: backpressure a flooding client instead of
		// reordering or dropping its requests.
		c.requests <- ipc.Request{ID: f.ID, Route: f.Route, Args: f.Args}
	}
}

// dispatchLoop serves this connection's requests one at a time, which keeps
// reply order identical to request order.
func (c *client) dispatchLoop() {
	defer close(c.send)
	ctx := context.Background()
	for req := range c.requests {
		resp := c.server.router.Dispatch(ctx, c.caller, req)
		payload, err := json.Marshal(frame{
			Type:   frameTypeResponse,
			ID:     resp.ID,
			Result: resp.Result,
			Error:  resp.Error,
		})
		if err != nil {
			log.Printf("[IPC] marshaling response for %s: %v", req.Route, err)
			continue
		}
		select {
		case c.send <- payload:
		case <-c.server.done:
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

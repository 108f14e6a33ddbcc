package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/recall/pkg/api/events"
	"github.com/goclaw/recall/pkg/logger"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
	defaultEventBuffer      = 256
)

// Topics a client can narrow its stream to. The topic of an event is the
// prefix of its type.
const (
	TopicReflection = "reflection"
	TopicDigest     = "digest"
	TopicLive       = "live"
	TopicMemory     = "memory"
)

// WebSocketConfig configures the event stream.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// Snapshot, when set, is sent to every new client as a reflection.status
	// event so a dashboard can render before the next transition.
	Snapshot func() any
}

// EventMessage is the websocket event format.
type EventMessage = events.Event

// incomingMessage changes a client's filter. An empty room or topic list
// leaves that dimension unchanged.
type incomingMessage struct {
	Type   string   `json:"type"`
	RoomID string   `json:"room_id,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// filter selects the events a client receives. An empty set passes
// everything. Events without a room pass every room filter.
type filter struct {
	mu     sync.RWMutex
	rooms  map[string]struct{}
	topics map[string]struct{}
}

func newFilter(q url.Values) *filter {
	f := &filter{rooms: make(map[string]struct{}), topics: make(map[string]struct{})}
	for _, room := range splitList(q.Get("room")) {
		f.rooms[room] = struct{}{}
	}
	for _, topic := range splitList(q.Get("topics")) {
		f.topics[strings.ToLower(topic)] = struct{}{}
	}
	return f
}

func (f *filter) apply(m incomingMessage) {
	room := strings.TrimSpace(m.RoomID)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(m.Type)) {
	case "subscribe":
		if room != "" {
			f.rooms[room] = struct{}{}
		}
		for _, t := range m.Topics {
			f.topics[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	case "unsubscribe":
		delete(f.rooms, room)
		for _, t := range m.Topics {
			delete(f.topics, strings.ToLower(strings.TrimSpace(t)))
		}
	}
}

func (f *filter) match(event EventMessage) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.topics) > 0 {
		if _, ok := f.topics[topicOf(event.Type)]; !ok {
			return false
		}
	}
	room := roomOf(event.Payload)
	if room == "" || len(f.rooms) == 0 {
		return true
	}
	_, ok := f.rooms[room]
	return ok
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	filter    *filter
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// hub tracks connected clients. A slot is reserved before the upgrade so
// concurrent dials cannot overshoot the limit.
type hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	reserved int
	max      int
}

func newHub(max int) *hub {
	return &hub{clients: make(map[*wsClient]struct{}), max: max}
}

func (h *hub) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients)+h.reserved >= h.max {
		return false
	}
	h.reserved++
	return true
}

func (h *hub) release() {
	h.mu.Lock()
	h.reserved--
	h.mu.Unlock()
}

// join turns a reservation into a client.
func (h *hub) join(c *wsClient) {
	h.mu.Lock()
	h.reserved--
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) leave(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) snapshot() []*wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

type source struct {
	broadcaster *events.Broadcaster
	ch          chan events.Event
}

// WebSocketHandler streams reflection, digest, live and memory events on
// /ws/events. Clients narrow the stream with ?room= and ?topics= on connect
// or with subscribe and unsubscribe messages afterwards.
type WebSocketHandler struct {
	mu           sync.Mutex
	sources      []source
	log          logger.Logger
	hub          *hub
	upgrader     websocket.Upgrader
	snapshot     func() any
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWebSocketHandler creates the event stream handler.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	allowed := append([]string(nil), cfg.AllowedOrigins...)
	return &WebSocketHandler{
		log:          log,
		hub:          newHub(cfg.MaxConnections),
		snapshot:     cfg.Snapshot,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return originAllowed(r, allowed) },
		},
	}
}

// ServeHTTP upgrades the connection and runs the client until it leaves.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.hub.reserve() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.release()
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, defaultSendBuffer),
		filter: newFilter(r.URL.Query()),
	}
	h.hub.join(client)

	if h.snapshot != nil {
		h.deliver(client, EventMessage{
			Type:      events.TypeReflectionStatus,
			Timestamp: time.Now().UTC(),
			Payload:   h.snapshot(),
		})
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *wsClient) {
	defer h.hub.leave(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(1 << 16)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		var msg incomingMessage
		if json.Unmarshal(data, &msg) == nil {
			client.filter.apply(msg)
		}
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.hub.leave(client)
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Broadcast sends event to every client whose filter matches it. A client
// whose buffer is full is dropped.
func (h *WebSocketHandler) Broadcast(event EventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	for _, client := range h.hub.snapshot() {
		if !client.filter.match(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			h.log.Warn("dropping slow websocket client", "event", event.Type)
			h.hub.leave(client)
		}
	}
	return nil
}

func (h *WebSocketHandler) deliver(client *wsClient, event EventMessage) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("encode websocket snapshot", "error", err)
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// Forward relays every event published on b until b is closed or Close is
// called.
func (h *WebSocketHandler) Forward(b *events.Broadcaster) {
	ch := b.Subscribe(defaultEventBuffer)
	h.mu.Lock()
	h.sources = append(h.sources, source{broadcaster: b, ch: ch})
	h.mu.Unlock()

	go func() {
		for event := range ch {
			if err := h.Broadcast(event); err != nil {
				h.log.Warn("websocket broadcast failed", "type", event.Type, "error", err)
			}
		}
	}()
}

// Close detaches from every broadcaster and disconnects all clients.
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	sources := h.sources
	h.sources = nil
	h.mu.Unlock()
	for _, src := range sources {
		src.broadcaster.Unsubscribe(src.ch)
	}
	h.hub.closeAll()
}

// Connections returns the number of connected clients.
func (h *WebSocketHandler) Connections() int {
	return h.hub.count()
}

func topicOf(eventType string) string {
	topic, _, _ := strings.Cut(eventType, ".")
	return topic
}

func roomOf(payload any) string {
	switch p := payload.(type) {
	case map[string]any:
		room, _ := p["room_id"].(string)
		return room
	case map[string]string:
		return p["room_id"]
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// originAllowed accepts configured origins and same-host pages.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

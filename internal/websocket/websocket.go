package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"docbatch/internal/models"
)

// EventBatchProgress is the type of every progress message.
const EventBatchProgress = "batch_progress"

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Snapshot returns the current state of every batch, sent to new clients.
type Snapshot func() []models.BatchStatusView

type client struct {
	conn *websocket.Conn
	send chan models.ProgressEvent
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Manager manages WebSocket connections and broadcasts batch progress
type Manager struct {
	clients   map[*client]bool
	clientsMu sync.Mutex
	snapshot  Snapshot
	logger    zerolog.Logger
}

// New creates a new WebSocket manager
func New(snapshot Snapshot, logger zerolog.Logger) *Manager {
	return &Manager{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		logger:   logger,
	}
}

// AddClient registers conn, queues the current state of every batch and
// starts its writer and reader goroutines.
func (m *Manager) AddClient(conn *websocket.Conn) {
	var views []models.BatchStatusView
	if m.snapshot != nil {
		views = m.snapshot()
	}

	// The buffer holds the whole snapshot plus room for live updates.
	c := &client{conn: conn, send: make(chan models.ProgressEvent, len(views)+sendBuffer)}
	for _, v := range views {
		c.send <- models.ProgressEvent{Type: EventBatchProgress, Batch: v}
	}

	m.clientsMu.Lock()
	m.clients[c] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.logger.Info().Int("clients", total).Msg("websocket client connected")

	go m.writeLoop(c)
	go m.readLoop(c)
}

func (m *Manager) writeLoop(c *client) {
	defer func() {
		_ = c.conn.Close()
	}()
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			m.logger.Warn().Err(err).Msg("failed to send websocket update")
			m.remove(c)
			// Drain so publishers never block on a dead client.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readLoop only detects disconnection; clients never send anything useful.
func (m *Manager) readLoop(c *client) {
	defer m.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()

	if ok {
		c.close()
		m.logger.Info().Int("clients", total).Msg("websocket client disconnected")
	}
}

// Publish queues a progress event for every client. A client whose buffer is
// full is disconnected.
func (m *Manager) Publish(view models.BatchStatusView) {
	ev := models.ProgressEvent{Type: EventBatchProgress, Batch: view}

	var slow []*client
	m.clientsMu.Lock()
	for c := range m.clients {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	m.clientsMu.Unlock()

	for _, c := range slow {
		m.logger.Warn().Msg("websocket client too slow, disconnecting")
		m.remove(c)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close disconnects every client.
func (m *Manager) Close() {
	m.clientsMu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()

	for _, c := range clients {
		m.remove(c)
	}
}

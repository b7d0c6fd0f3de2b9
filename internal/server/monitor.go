package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"airband-receiver/internal/metrics"
	"airband-receiver/internal/sink"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// hello is the first message on every monitor connection. Binary PCM
// frames follow.
type hello struct {
	ID       string `json:"id"`
	Rate     int    `json:"sample_rate"`
	Format   string `json:"format"`
	Channels int    `json:"channels"`
}

type listener struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Monitor fans the PCM stream out to websocket listeners. It is a sink.Tap:
// Publish never blocks, frames for a listener whose queue is full are
// dropped.
type Monitor struct {
	rate    int
	format  sink.Format
	queue   int
	metrics *metrics.Metrics

	mu        sync.Mutex
	listeners map[string]*listener
	closed    bool
}

// NewMonitor creates a monitor for a stream of the given rate and format.
// queue is the number of frames buffered per listener.
func NewMonitor(rate int, format sink.Format, queue int, m *metrics.Metrics) *Monitor {
	if queue < 1 {
		queue = 1
	}
	return &Monitor{
		rate:      rate,
		format:    format,
		queue:     queue,
		metrics:   m,
		listeners: make(map[string]*listener),
	}
}

// Listeners returns the number of connected listeners.
func (m *Monitor) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Publish implements sink.Tap.
func (m *Monitor) Publish(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.listeners) == 0 {
		return
	}

	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	for _, l := range m.listeners {
		select {
		case l.send <- frame:
		default:
			m.metrics.RecordDroppedFrame()
		}
	}
}

// ServeHTTP upgrades the request and streams PCM until the client goes away.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	l := &listener{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, m.queue),
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(hello{ID: l.id, Rate: m.rate, Format: string(m.format), Channels: 1}); err != nil {
		conn.Close()
		return
	}

	if !m.add(l) {
		conn.Close()
		return
	}
	log.Printf("[server] listener %s connected from %s", l.id, r.RemoteAddr)

	go m.writeLoop(l)

	// Nothing is expected from the client; reading detects the close.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	m.remove(l)
	log.Printf("[server] listener %s disconnected", l.id)
}

func (m *Monitor) add(l *listener) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.listeners[l.id] = l
	m.metrics.RecordListenerConnect()
	return true
}

func (m *Monitor) remove(l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[l.id]; !ok {
		return
	}
	delete(m.listeners, l.id)
	close(l.send)
	m.metrics.RecordListenerDisconnect()
}

func (m *Monitor) writeLoop(l *listener) {
	defer l.conn.Close()
	for frame := range l.send {
		l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
	l.conn.SetWriteDeadline(time.Now().Add(time.Second))
	l.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}

// Close disconnects every listener and refuses new ones.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, l := range m.listeners {
		delete(m.listeners, id)
		close(l.send)
		m.metrics.RecordListenerDisconnect()
	}
}

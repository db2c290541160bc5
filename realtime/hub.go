// Package realtime fans tracking events out to dashboard websocket connections.
package realtime

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fieldops/tracklink/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultQueueSize = 256

	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	readWait     = 60 * time.Second
	// dashboards only send control frames
	maxReadBytes = 4096
)

// Event is the wire shape of everything sent to dashboards.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type Hub struct {
	token     string
	queueSize int
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	connGauge   prometheus.Gauge
	dropCounter prometheus.Counter
}

// NewHub makes a hub which admits websocket clients presenting dashboardToken.
// queueSize bounds each connection's backlog; 0 means DefaultQueueSize.
func NewHub(dashboardToken string, queueSize int, addPrometheusMetrics bool) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h := &Hub{
		token:     dashboardToken,
		queueSize: queueSize,
		conns:     make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// dashboards are served from elsewhere; the token is the access check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if addPrometheusMetrics {
		h.connGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracklink",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of open dashboard connections",
		})
		h.dropCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracklink",
			Subsystem: "realtime",
			Name:      "events_dropped",
			Help:      "Number of queued events dropped because a connection fell behind",
		})
		prometheus.MustRegister(h.connGauge, h.dropCounter)
	}
	return h
}

func (h *Hub) authorised(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorised(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	c := newConn(h, ws, h.queueSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	if h.connGauge != nil {
		h.connGauge.Inc()
	}
	logger.Info().Str("remote", r.RemoteAddr).Int("connections", n).Msg("dashboard connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.connGauge != nil {
		h.connGauge.Dec()
	}
	logger.Info().Int("connections", n).Msg("dashboard disconnected")
}

// Count returns the number of connected dashboards.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast queues the event on every connection. It never blocks on a slow client.
func (h *Hub) Broadcast(event string, data interface{}) {
	msg, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		logger.Err(err).Str("event", event).Msg("failed to marshal event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.enqueue(msg) && h.dropCounter != nil {
			h.dropCounter.Inc()
		}
	}
}

// Close disconnects everyone. The hub cannot be reused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

func (h *Hub) Teardown() {
	h.Close()
	if h.connGauge != nil {
		prometheus.Unregister(h.connGauge)
		prometheus.Unregister(h.dropCounter)
	}
}

// pubsub.TrackingListener

func (h *Hub) OnTrackingPoint(p *pubsub.TrackingPoint) {
	h.Broadcast(p.Type(), p)
}

func (h *Hub) OnTrackingStarted(p *pubsub.TrackingStarted) {
	h.Broadcast(p.Type(), p)
}

func (h *Hub) OnTrackingStopped(p *pubsub.TrackingStopped) {
	h.Broadcast(p.Type(), p)
}

func (h *Hub) OnTrackerHealth(p *pubsub.TrackerHealth) {
	if !json.Valid(p.Health) {
		logger.Warn().Str("device", p.DeviceID).Msg("dropping health event with invalid body")
		return
	}
	h.Broadcast(p.Type(), json.RawMessage(p.Health))
}

func (h *Hub) OnTrackerFingerprint(p *pubsub.TrackerFingerprint) {
	h.Broadcast(p.Type(), p)
}

func (h *Hub) OnTrackerAlert(p *pubsub.TrackerAlert) {
	h.Broadcast(p.Type(), p)
}

func (h *Hub) OnTrackerAlertClosed(p *pubsub.TrackerAlertClosed) {
	h.Broadcast(p.Type(), p)
}

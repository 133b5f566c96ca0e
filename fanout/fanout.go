// Package fanout distributes circuit payloads to downstream websocket
// subscribers. One manager serves every circuit; the registry and its
// reverse index live under a single lock, and socket writes always
// happen outside it.
package fanout

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kartgate/models"
)

// writeWait bounds every downstream socket write.
const writeWait = 10 * time.Second

// Conn is the slice of *websocket.Conn the manager needs. Tests swap in
// a recording fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	id   string
	conn Conn

	// wmu serializes writes to the socket; gorilla connections allow
	// one concurrent writer.
	wmu sync.Mutex
}

func (s *subscriber) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager is the subscriber registry and broadcast hub.
type Manager struct {
	mu      sync.Mutex
	byCirc  map[string]map[string]*subscriber
	circOf  map[string]string
	cache   map[string]*models.DataPayload
	status  map[string]models.CircuitStatus
	log     *zap.Logger
}

// NewManager returns an empty manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		byCirc: map[string]map[string]*subscriber{},
		circOf: map[string]string{},
		cache:  map[string]*models.DataPayload{},
		status: map[string]models.CircuitStatus{},
		log:    log.Named("fanout"),
	}
}

// Attach registers a connection as a subscriber of the circuit and
// returns its subscriber id. The latest broadcast, if any, is replayed
// immediately as cached_data so a late joiner renders without waiting
// for the next frame; the last known upstream status follows it.
func (m *Manager) Attach(circuitID string, conn Conn) string {
	sub := &subscriber{id: uuid.NewString(), conn: conn}

	m.mu.Lock()
	if m.byCirc[circuitID] == nil {
		m.byCirc[circuitID] = map[string]*subscriber{}
	}
	m.byCirc[circuitID][sub.id] = sub
	m.circOf[sub.id] = circuitID
	cached := m.cache[circuitID]
	st, hasStatus := m.status[circuitID]
	n := len(m.byCirc[circuitID])
	m.mu.Unlock()

	m.log.Info("subscriber attached",
		zap.String("circuit", circuitID),
		zap.String("subscriber", sub.id),
		zap.Int("subscribers", n))

	if cached != nil {
		m.deliver(sub, models.CachedPayload{
			Type:        models.TypeCachedData,
			Data:        cached,
			ColumnOrder: cached.ColumnOrder,
		})
	}
	if hasStatus {
		m.deliver(sub, models.StatusPayload{
			Type:      models.TypeStatusUpdate,
			CircuitID: circuitID,
			Status:    st,
		})
	}
	return sub.id
}

// Detach removes a subscriber. Missing ids are a no-op; detach races
// with fatal-send eviction.
func (m *Manager) Detach(subID string) {
	m.mu.Lock()
	circuitID, ok := m.circOf[subID]
	if ok {
		delete(m.circOf, subID)
		delete(m.byCirc[circuitID], subID)
		if len(m.byCirc[circuitID]) == 0 {
			delete(m.byCirc, circuitID)
		}
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("subscriber detached",
			zap.String("circuit", circuitID),
			zap.String("subscriber", subID))
	}
}

// Broadcast sends a data payload to every subscriber of the circuit and
// caches it for late joiners. The cache is written even when nobody is
// listening.
func (m *Manager) Broadcast(circuitID string, payload *models.DataPayload) {
	m.mu.Lock()
	m.cache[circuitID] = payload
	subs := m.snapshotLocked(circuitID)
	m.mu.Unlock()

	for _, sub := range subs {
		m.deliver(sub, payload)
	}
}

// SendStatus notifies the circuit's subscribers of an upstream state
// change and remembers it for replay on attach.
func (m *Manager) SendStatus(circuitID string, st models.CircuitStatus) {
	m.mu.Lock()
	m.status[circuitID] = st
	subs := m.snapshotLocked(circuitID)
	m.mu.Unlock()

	payload := models.StatusPayload{
		Type:      models.TypeStatusUpdate,
		CircuitID: circuitID,
		Status:    st,
	}
	for _, sub := range subs {
		m.deliver(sub, payload)
	}
}

// SendError surfaces an upstream error to the circuit's subscribers.
func (m *Manager) SendError(circuitID string, msg string) {
	m.mu.Lock()
	subs := m.snapshotLocked(circuitID)
	m.mu.Unlock()

	payload := models.ErrorPayload{
		Type:      models.TypeError,
		CircuitID: circuitID,
		Error:     msg,
	}
	for _, sub := range subs {
		m.deliver(sub, payload)
	}
}

// SendStatusTo delivers a status update to one subscriber only, as the
// subscribe handshake does to report current collector connectivity.
func (m *Manager) SendStatusTo(subID string, st models.CircuitStatus) {
	m.mu.Lock()
	var sub *subscriber
	circuitID, ok := m.circOf[subID]
	if ok {
		sub = m.byCirc[circuitID][subID]
	}
	m.mu.Unlock()

	if sub != nil {
		m.deliver(sub, models.StatusPayload{
			Type:      models.TypeStatusUpdate,
			CircuitID: circuitID,
			Status:    st,
		})
	}
}

// Pong answers a subscriber-level ping on its own socket.
func (m *Manager) Pong(subID string) {
	m.mu.Lock()
	var sub *subscriber
	if circuitID, ok := m.circOf[subID]; ok {
		sub = m.byCirc[circuitID][subID]
	}
	m.mu.Unlock()

	if sub != nil {
		m.deliver(sub, models.PongPayload{
			Type:      models.TypePong,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Cached returns the latest broadcast for a circuit, nil if none.
func (m *Manager) Cached(circuitID string) *models.DataPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[circuitID]
}

// Count returns the subscriber count for one circuit.
func (m *Manager) Count(circuitID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCirc[circuitID])
}

// Has reports whether the circuit has at least one subscriber.
func (m *Manager) Has(circuitID string) bool {
	return m.Count(circuitID) > 0
}

// ActiveCircuits lists circuits with at least one subscriber.
func (m *Manager) ActiveCircuits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byCirc))
	for id := range m.byCirc {
		out = append(out, id)
	}
	return out
}

// CloseAll closes every subscriber socket. Used at shutdown, after the
// collectors have stopped.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var subs []*subscriber
	for _, circ := range m.byCirc {
		for _, sub := range circ {
			subs = append(subs, sub)
		}
	}
	m.byCirc = map[string]map[string]*subscriber{}
	m.circOf = map[string]string{}
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close()
	}
	m.log.Info("all subscribers closed", zap.Int("count", len(subs)))
}

// snapshotLocked copies a circuit's subscriber set. Callers hold m.mu.
func (m *Manager) snapshotLocked(circuitID string) []*subscriber {
	circ := m.byCirc[circuitID]
	out := make([]*subscriber, 0, len(circ))
	for _, sub := range circ {
		out = append(out, sub)
	}
	return out
}

// deliver writes one payload to one subscriber. Fatal transport errors
// evict the subscriber; transient ones keep it registered so a slow
// client is not dropped for a single missed deadline.
func (m *Manager) deliver(sub *subscriber, payload any) {
	err := sub.send(payload)
	if err == nil {
		return
	}
	if fatalSendError(err) {
		m.log.Info("evicting subscriber on fatal send error",
			zap.String("subscriber", sub.id), zap.Error(err))
		m.Detach(sub.id)
		_ = sub.conn.Close()
		return
	}
	m.log.Warn("transient send error, subscriber retained",
		zap.String("subscriber", sub.id), zap.Error(err))
}

// fatalSendError classifies a send failure. Typed errors first; the
// substring checks catch transport errors that arrive as plain strings.
func fatalSendError(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection closed",
		"broken pipe",
		"connection reset",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

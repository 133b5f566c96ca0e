package collector

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"kartgate/session"
)

// Manager starts and stops collectors by circuit id. One collector per
// circuit; starting an already-collected circuit is rejected so two
// readers never compete for the same upstream.
type Manager struct {
	decoder  Decoder
	sessions *session.Registry
	sink     Broadcaster
	store    MappingStore
	dial     DialFunc
	cfg      Config
	log      *zap.Logger

	mu         sync.Mutex
	collectors map[string]*Collector
}

// NewManager wires a manager over shared dependencies.
func NewManager(dec Decoder, sessions *session.Registry, sink Broadcaster,
	store MappingStore, dial DialFunc, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		decoder:    dec,
		sessions:   sessions,
		sink:       sink,
		store:      store,
		dial:       dial,
		cfg:        cfg,
		log:        log,
		collectors: map[string]*Collector{},
	}
}

// Start begins collecting a circuit's feed from the given upstream URL.
func (m *Manager) Start(ctx context.Context, circuitID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collectors[circuitID]; ok {
		switch c.Status() {
		case StatusStopped, StatusIdle:
			delete(m.collectors, circuitID)
		default:
			return fmt.Errorf("circuit %s is already being collected", circuitID)
		}
	}

	c := New(circuitID, url, m.decoder, m.sessions.Get(circuitID),
		m.sink, m.store, m.dial, m.cfg, m.log)
	if err := c.Start(ctx); err != nil {
		return err
	}
	m.collectors[circuitID] = c
	m.log.Info("collection started",
		zap.String("circuit", circuitID), zap.String("url", url))
	return nil
}

// Stop halts a circuit's collector. Unknown circuits are an error.
func (m *Manager) Stop(circuitID string) error {
	m.mu.Lock()
	c, ok := m.collectors[circuitID]
	if ok {
		delete(m.collectors, circuitID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("circuit %s is not being collected", circuitID)
	}
	c.Stop()
	m.log.Info("collection stopped", zap.String("circuit", circuitID))
	return nil
}

// StopAll halts every collector; used at shutdown before the fan-out
// side closes its subscribers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Collector, 0, len(m.collectors))
	for _, c := range m.collectors {
		all = append(all, c)
	}
	m.collectors = map[string]*Collector{}
	m.mu.Unlock()

	for _, c := range all {
		c.Stop()
	}
	m.log.Info("all collectors stopped", zap.Int("count", len(all)))
}

// Info returns the status snapshot for one circuit.
func (m *Manager) Info(circuitID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[circuitID]
	if !ok {
		return Info{}, false
	}
	return c.Info(), true
}

// Infos returns status snapshots for every collector.
func (m *Manager) Infos() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.collectors))
	for _, c := range m.collectors {
		out = append(out, c.Info())
	}
	return out
}

// Collecting reports whether a circuit has a live collector.
func (m *Manager) Collecting(circuitID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[circuitID]
	return ok && c.Status() != StatusStopped
}

// Package session holds the per-circuit timing state: the active
// column mapping, the raw column table fed by decoded frames, and the
// derived driver records projected through the mapping.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kartgate/models"
)

// PersistDirective tells the caller what the mapping store should be
// told about after an Apply. Persistence is the caller's business; a
// session never blocks on storage.
type PersistDirective int

const (
	// PersistNone: nothing mapping-related happened.
	PersistNone PersistDirective = iota
	// PersistMapping: a snapshot yielded a fresh mapping worth saving.
	PersistMapping
	// PersistNeedsConfiguration: inference failed, flag the circuit.
	PersistNeedsConfiguration
)

// ApplyOutcome reports the effect of one decoded frame.
type ApplyOutcome struct {
	// Changed is true when the frame altered any driver state or the
	// mapping; only changed outcomes are worth broadcasting.
	Changed bool
	Persist PersistDirective
	// Touched lists the driver ids whose state the frame altered.
	Touched []string
	// Mapping is a copy of the active mapping after the frame.
	Mapping models.Mapping
	// Drivers is the full projection after the frame, not just the
	// drivers the frame touched. Broadcasting complete snapshots is
	// what makes downstream coalescing safe.
	Drivers      map[string]models.DriverRecord
	ColumnOrder  []string
	MessageCount int
}

// Session is the authoritative state of one circuit. All methods are
// safe for concurrent use; the collector goroutine writes, control
// handlers read.
type Session struct {
	mu        sync.Mutex
	circuitID string
	mapping   models.Mapping
	raw       models.DriverUpdates
	count     int
	log       *zap.Logger
}

// New returns an empty session for the circuit.
func New(circuitID string, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		circuitID: circuitID,
		raw:       models.DriverUpdates{},
		log:       log.Named("session").With(zap.String("circuit", circuitID)),
	}
}

// CircuitID returns the circuit this session belongs to.
func (s *Session) CircuitID() string { return s.circuitID }

// Apply merges one decoded frame into the raw table, latest value wins
// per (driver, column). A snapshot with a successfully inferred mapping
// replaces the active mapping; existing raw data is reprojected under
// the new mapping, no data is lost.
func (s *Session) Apply(frame models.DecodedFrame) ApplyOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ApplyOutcome{Persist: PersistNone}

	switch frame.MappingStatus {
	case models.MappingInferredOK:
		if !mappingEqual(s.mapping, frame.InferredMapping) {
			s.mapping = frame.InferredMapping.Clone()
			out.Changed = true
			s.log.Info("mapping replaced",
				zap.Int("columns", len(s.mapping)))
		}
		out.Persist = PersistMapping
	case models.MappingInferenceFailed:
		out.Persist = PersistNeedsConfiguration
		s.log.Warn("mapping inference failed; circuit needs configuration")
	}

	for driverID, cols := range frame.DriverUpdates {
		cur := s.raw[driverID]
		if cur == nil {
			cur = map[int]models.ColumnValue{}
			s.raw[driverID] = cur
		}
		touched := false
		for col, cv := range cols {
			if cur[col] != cv {
				cur[col] = cv
				touched = true
			}
		}
		if touched {
			out.Touched = append(out.Touched, driverID)
			out.Changed = true
		}
	}

	if out.Changed {
		s.count++
	}
	out.Mapping = s.mapping.Clone()
	out.Drivers = s.projectAllLocked()
	out.ColumnOrder = s.mapping.ColumnOrder()
	out.MessageCount = s.count
	return out
}

// SetMapping installs a mapping by hand, as the control surface does
// for circuits whose inference failed or whose stored mapping is being
// pre-seeded at startup. Raw data is reprojected under it.
func (s *Session) SetMapping(m models.Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping = m.Clone()
	s.log.Info("mapping set", zap.Int("columns", len(m)))
}

// Mapping returns a copy of the active mapping, nil if none.
func (s *Session) Mapping() models.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapping.Clone()
}

// ColumnOrder returns the active mapping's fields in column order.
func (s *Session) ColumnOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapping.ColumnOrder()
}

// MessageCount returns how many state-changing frames have applied.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Project returns the derived record for one driver, false if the
// driver is unknown.
func (s *Session) Project(driverID string) (models.DriverRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, ok := s.raw[driverID]
	if !ok {
		return nil, false
	}
	return s.projectLocked(driverID, cols), true
}

// ProjectAll returns the derived records of every known driver.
func (s *Session) ProjectAll() map[string]models.DriverRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectAllLocked()
}

// Clear wipes the raw table, derived state and message counter. The
// active mapping survives; the next session at this circuit reuses it.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = models.DriverUpdates{}
	s.count = 0
	s.log.Info("session cleared")
}

func (s *Session) projectAllLocked() map[string]models.DriverRecord {
	out := make(map[string]models.DriverRecord, len(s.raw))
	for driverID, cols := range s.raw {
		out[driverID] = s.projectLocked(driverID, cols)
	}
	return out
}

// projectLocked derives one record: driver_id plus every raw column the
// active mapping names. Unmapped columns stay in the raw table and show
// up as soon as a mapping arrives that names them.
func (s *Session) projectLocked(driverID string, cols map[int]models.ColumnValue) models.DriverRecord {
	rec := models.DriverRecord{models.DriverIDField: driverID}
	for col, cv := range cols {
		if field, ok := s.mapping[col]; ok {
			rec[field] = cv.Value
		}
	}
	return rec
}

func mappingEqual(a, b models.Mapping) bool {
	if len(a) != len(b) {
		return false
	}
	for c, f := range a {
		if b[c] != f {
			return false
		}
	}
	return true
}

// exportBlob is the session's persistence shape. Raw column state and
// the mapping round-trip exactly; derived records are recomputed on
// import.
type exportBlob struct {
	CircuitID    string               `json:"circuit_id"`
	Mapping      models.Mapping       `json:"mapping,omitempty"`
	Raw          models.DriverUpdates `json:"raw_data"`
	MessageCount int                  `json:"message_count"`
	ExportedAt   time.Time            `json:"exported_at"`
}

// Export serializes the full session state.
func (s *Session) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(exportBlob{
		CircuitID:    s.circuitID,
		Mapping:      s.mapping,
		Raw:          s.raw,
		MessageCount: s.count,
		ExportedAt:   time.Now().UTC(),
	})
}

// Import replaces the session state with a previously exported blob.
func (s *Session) Import(data []byte) error {
	var blob exportBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("session import: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping = blob.Mapping
	s.raw = blob.Raw
	if s.raw == nil {
		s.raw = models.DriverUpdates{}
	}
	s.count = blob.MessageCount
	s.log.Info("session imported",
		zap.Int("drivers", len(s.raw)),
		zap.Int("message_count", s.count))
	return nil
}

// Registry hands out sessions by circuit id, creating them lazily.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{sessions: map[string]*Session{}, log: log}
}

// Get returns the session for a circuit, creating it on first use.
func (r *Registry) Get(circuitID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[circuitID]
	if !ok {
		s = New(circuitID, r.log)
		r.sessions[circuitID] = s
	}
	return s
}

// Peek returns the session only if it already exists.
func (r *Registry) Peek(circuitID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[circuitID]
	return s, ok
}

// CircuitIDs lists every circuit with a session.
func (r *Registry) CircuitIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

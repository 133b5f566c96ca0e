// Package models holds the shared value types of the timing gateway:
// the column mapping learned per circuit, the raw column table entries,
// derived driver records, decoded frames, and the payload envelopes
// sent to downstream subscribers.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxColumns is the highest column slot a feed may address (C1..C14).
const MaxColumns = 14

// DriverIDField is the reserved record key carrying the driver's id.
const DriverIDField = "driver_id"

// SnapshotCode tags raw entries sourced from the HTML grid snapshot.
const SnapshotCode = "HTML"

// FrameKind classifies one upstream message.
type FrameKind int

const (
	// FrameDelta is an incremental pipe-delimited update frame.
	FrameDelta FrameKind = iota
	// FrameSnapshot is the initial frame carrying the full HTML grid.
	FrameSnapshot
)

func (k FrameKind) String() string {
	if k == FrameSnapshot {
		return "snapshot"
	}
	return "delta"
}

// MappingStatus reports the outcome of mapping inference for a frame.
type MappingStatus int

const (
	// MappingNotApplicable: the frame was not a snapshot, or carried no grid.
	MappingNotApplicable MappingStatus = iota
	// MappingInferredOK: the snapshot header yielded a usable mapping.
	MappingInferredOK
	// MappingInferenceFailed: too few header terms; manual config needed.
	MappingInferenceFailed
)

func (s MappingStatus) String() string {
	switch s {
	case MappingInferredOK:
		return "inferred_ok"
	case MappingInferenceFailed:
		return "inference_failed"
	}
	return "not_applicable"
}

// ColumnValue is the latest (code, value) pair reported for one column
// of one driver. Code is the feed's opaque type hint.
type ColumnValue struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// Mapping associates column indices (1..MaxColumns) with canonical
// field names. Absent entries mean the column is unused or unknown.
// The display order of fields is the ascending column index.
type Mapping map[int]string

// ColumnOrder returns the mapped fields in ascending column order.
func (m Mapping) ColumnOrder() []string {
	idx := make([]int, 0, len(m))
	for c := range m {
		idx = append(idx, c)
	}
	sort.Ints(idx)
	order := make([]string, 0, len(idx))
	for _, c := range idx {
		order = append(order, m[c])
	}
	return order
}

// MarshalJSON writes the store's lowercase column-key shape,
// {"c1":"Position",...}; unused slots are omitted.
func (m Mapping) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(m))
	for c, f := range m {
		out["c"+strconv.Itoa(c)] = f
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the same shape. Null slots are tolerated and
// skipped, matching stores that write all fourteen keys.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Mapping, len(raw))
	for key, f := range raw {
		if f == nil {
			continue
		}
		if !strings.HasPrefix(key, "c") {
			return fmt.Errorf("mapping key %q: want c<n>", key)
		}
		n, err := strconv.Atoi(key[1:])
		if err != nil || n < 1 || n > MaxColumns {
			return fmt.Errorf("mapping key %q: want c1..c%d", key, MaxColumns)
		}
		out[n] = *f
	}
	*m = out
	return nil
}

// Clone returns an independent copy of the mapping.
func (m Mapping) Clone() Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for c, f := range m {
		out[c] = f
	}
	return out
}

// DriverRecord is the derived field → value projection for one driver,
// always including DriverIDField.
type DriverRecord map[string]string

// Clone returns an independent copy of the record.
func (r DriverRecord) Clone() DriverRecord {
	out := make(DriverRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DriverUpdates maps driver id → column index → latest column value.
type DriverUpdates map[string]map[int]ColumnValue

// DecodedFrame is the result of decoding one upstream message.
type DecodedFrame struct {
	Kind          FrameKind
	DriverUpdates DriverUpdates
	// InferredMapping is non-nil only for snapshots whose header
	// inference succeeded.
	InferredMapping Mapping
	MappingStatus   MappingStatus
}

// Empty reports whether the frame carried no usable driver data.
func (f DecodedFrame) Empty() bool {
	return len(f.DriverUpdates) == 0 && f.InferredMapping == nil
}

// Downstream payload envelopes. Subscribers key off Type.
const (
	TypeKartingData  = "karting_data"
	TypeCachedData   = "cached_data"
	TypeStatusUpdate = "status_update"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
)

// DataPayload is the per-broadcast projection of a circuit's drivers.
type DataPayload struct {
	Type         string                  `json:"type"`
	CircuitID    string                  `json:"circuit_id"`
	Drivers      map[string]DriverRecord `json:"drivers"`
	ColumnOrder  []string                `json:"column_order"`
	MessageCount int                     `json:"message_count"`
	Timestamp    string                  `json:"timestamp"`
}

// CachedPayload replays the latest broadcast to a late subscriber.
type CachedPayload struct {
	Type        string       `json:"type"`
	Data        *DataPayload `json:"data"`
	ColumnOrder []string     `json:"column_order,omitempty"`
}

// CircuitStatus describes upstream connection state changes.
type CircuitStatus struct {
	TimingConnected bool   `json:"timing_connected"`
	Message         string `json:"message,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// StatusPayload notifies subscribers of upstream state changes.
type StatusPayload struct {
	Type      string        `json:"type"`
	CircuitID string        `json:"circuit_id"`
	Status    CircuitStatus `json:"status"`
}

// ErrorPayload surfaces an upstream error to subscribers.
type ErrorPayload struct {
	Type      string `json:"type"`
	CircuitID string `json:"circuit_id"`
	Error     string `json:"error"`
}

// PongPayload answers a subscriber ping.
type PongPayload struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

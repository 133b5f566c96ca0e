// Package decode parses the vendor feed's two wire formats into the
// per-driver column table: the initial HTML grid snapshot and the
// incremental pipe-delimited deltas.
//
// One upstream websocket message is one frame. If an upstream ever
// fragments a snapshot across messages the grid line will not parse;
// that is a known limitation of the feed contract, not handled here.
package decode

import (
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"kartgate/lexicon"
	"kartgate/models"
)

const (
	gridPrefix = "grid||"
	initPrefix = "init"

	// minInferredColumns is the number of non-empty header terms that
	// must yield a mapping before inference is trusted.
	minInferredColumns = 3
)

// Decoder turns raw upstream frames into DecodedFrames.
type Decoder struct {
	log *zap.Logger
}

// New returns a Decoder logging through the given logger.
func New(log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{log: log.Named("decode")}
}

// Decode classifies and parses one frame. Frames that are neither a
// well-formed snapshot nor contain any well-formed delta record come
// back with empty driver updates and MappingNotApplicable; callers
// treat that as a no-op, not an error.
func (d *Decoder) Decode(frame string) models.DecodedFrame {
	if isSnapshot(frame) {
		return d.decodeSnapshot(frame)
	}
	return d.decodeDelta(frame)
}

// isSnapshot accepts both markers seen in the wild: the composite
// initial message opens with an init line, while older upstreams send
// the bare grid|| line.
func isSnapshot(frame string) bool {
	for _, line := range strings.Split(frame, "\n") {
		if strings.HasPrefix(line, initPrefix) || strings.HasPrefix(line, gridPrefix) {
			return true
		}
	}
	return false
}

// decodeDelta parses newline-separated records ident|code|value where
// ident is r<driver>c<column>. Malformed records are skipped silently.
func (d *Decoder) decodeDelta(frame string) models.DecodedFrame {
	updates := models.DriverUpdates{}

	for _, line := range strings.Split(strings.TrimSpace(frame), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		ident, code, value := parts[0], parts[1], parts[2]
		if !strings.HasPrefix(ident, "r") || !strings.Contains(ident, "c") {
			continue
		}
		seg := strings.Split(ident, "c")
		if len(seg) != 2 {
			continue
		}
		driverID := strings.TrimPrefix(seg[0], "r")
		if driverID == "" {
			continue
		}
		col, err := strconv.Atoi(seg[1])
		if err != nil || col < 1 || col > models.MaxColumns {
			continue
		}
		if updates[driverID] == nil {
			updates[driverID] = map[int]models.ColumnValue{}
		}
		updates[driverID][col] = models.ColumnValue{Code: code, Value: value}
	}

	return models.DecodedFrame{
		Kind:          models.FrameDelta,
		DriverUpdates: updates,
		MappingStatus: models.MappingNotApplicable,
	}
}

// decodeSnapshot extracts the grid|| line's tbody fragment, reads the
// header row into an inferred mapping and the driver rows into column
// updates tagged with the HTML code.
func (d *Decoder) decodeSnapshot(frame string) models.DecodedFrame {
	out := models.DecodedFrame{
		Kind:          models.FrameSnapshot,
		DriverUpdates: models.DriverUpdates{},
		MappingStatus: models.MappingNotApplicable,
	}

	var fragment string
	for _, line := range strings.Split(frame, "\n") {
		if strings.HasPrefix(line, gridPrefix) {
			fragment = line[len(gridPrefix):]
			break
		}
	}
	if fragment == "" {
		d.log.Warn("snapshot frame without grid line")
		return out
	}

	// The fragment is a bare tbody; without a table wrapper the HTML5
	// parser foster-parents the rows away.
	root, err := html.Parse(strings.NewReader("<table>" + fragment + "</table>"))
	if err != nil {
		d.log.Warn("snapshot grid parse failed", zap.Error(err))
		return out
	}

	var headers map[int]string
	eachRow(root, func(rowID string, row *html.Node) {
		if rowID == "r0" {
			headers = headerCells(row)
			return
		}
		driverID := strings.TrimPrefix(rowID, "r")
		if driverID == "" {
			return
		}
		cols := driverCells(row)
		if len(cols) == 0 {
			return
		}
		out.DriverUpdates[driverID] = cols
	})

	if headers != nil {
		mapping, status := d.inferMapping(headers)
		out.InferredMapping = mapping
		out.MappingStatus = status
	}
	return out
}

// inferMapping resolves header terms through the lexicon, keeping
// unknown non-empty terms verbatim. A field claimed by a lower column
// is never assigned twice, which keeps the column order duplicate-free
// when a grid carries several empty (status) header cells. Inference
// succeeds once minInferredColumns non-empty terms produced a mapping.
func (d *Decoder) inferMapping(headers map[int]string) (models.Mapping, models.MappingStatus) {
	cols := make([]int, 0, len(headers))
	for c := range headers {
		cols = append(cols, c)
	}
	sort.Ints(cols)

	mapping := models.Mapping{}
	claimed := map[string]bool{}
	hits := 0
	for _, c := range cols {
		term := headers[c]
		field, known := lexicon.Lookup(term)
		if !known {
			d.log.Info("unknown header term", zap.Int("column", c), zap.String("term", term))
		}
		if claimed[field] {
			continue
		}
		claimed[field] = true
		mapping[c] = field
		if term != "" {
			hits++
		}
	}

	if hits < minInferredColumns {
		d.log.Warn("mapping inference failed",
			zap.Int("mapped_columns", hits),
			zap.Int("required", minInferredColumns))
		return nil, models.MappingInferenceFailed
	}
	return mapping, models.MappingInferredOK
}

// eachRow walks the parsed fragment and invokes fn for every <tr>
// carrying a data-id attribute.
func eachRow(n *html.Node, fn func(rowID string, row *html.Node)) {
	if n.Type == html.ElementNode && n.Data == "tr" {
		if id, ok := attr(n, "data-id"); ok {
			fn(id, n)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		eachRow(c, fn)
	}
}

// headerCells reads the r0 row's <td data-id="c<n>"> cells.
func headerCells(row *html.Node) map[int]string {
	out := map[int]string{}
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "td" {
			continue
		}
		id, ok := attr(c, "data-id")
		if !ok || !strings.HasPrefix(id, "c") {
			continue
		}
		n, err := strconv.Atoi(id[1:])
		if err != nil || n < 1 || n > models.MaxColumns {
			continue
		}
		out[n] = cellText(c)
	}
	return out
}

// driverCells reads a driver row's <td> cells left to right into
// sequential columns. Empty cell text advances the column index but
// writes no entry.
func driverCells(row *html.Node) map[int]models.ColumnValue {
	out := map[int]models.ColumnValue{}
	col := 1
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "td" {
			continue
		}
		if col > models.MaxColumns {
			break
		}
		if text := cellText(c); text != "" {
			out[col] = models.ColumnValue{Code: models.SnapshotCode, Value: text}
		}
		col++
	}
	return out
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// cellText concatenates the text content beneath a node, trimmed.
func cellText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

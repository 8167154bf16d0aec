package workout

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot is the full cell map of one calendar week plus the active
// column pointer. One snapshot exists per week identifier.
type Snapshot struct {
	Cells     map[string]Cell
	ActiveCol string // empty string when no column is active
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Cells: make(map[string]Cell),
	}
}

func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.Cells) == 0 && s.ActiveCol == "")
}

func (s *Snapshot) Cell(key string) Cell {
	if s == nil {
		return Cell{}
	}
	return s.Cells[key]
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := &Snapshot{
		Cells:     make(map[string]Cell, len(s.Cells)),
		ActiveCol: s.ActiveCol,
	}
	for k, c := range s.Cells {
		clone.Cells[k] = c
	}
	return clone
}

// MarshalJSON produces the legacy wire shape: one flat object with cell
// entries keyed by composite key, plus "_activeCol" (string or null).
// encoding/json sorts map keys, so the output is deterministic and byte
// comparison of two marshalled snapshots is a valid equality check.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Cells)+1)
	for k, c := range s.Cells {
		out[k] = c
	}
	if s.ActiveCol != "" {
		out[ActiveColKey] = s.ActiveCol
	} else {
		out[ActiveColKey] = nil
	}
	return json.Marshal(out)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Cells = make(map[string]Cell, len(raw))
	s.ActiveCol = ""

	for k, v := range raw {
		if k == ActiveColKey {
			if string(bytes.TrimSpace(v)) == "null" {
				continue
			}
			var col string
			if err := json.Unmarshal(v, &col); err != nil {
				return fmt.Errorf("unmarshal %s: %w", ActiveColKey, err)
			}
			s.ActiveCol = col
			continue
		}
		var cell Cell
		if err := json.Unmarshal(v, &cell); err != nil {
			return fmt.Errorf("unmarshal cell %q: %w", k, err)
		}
		s.Cells[k] = cell
	}
	return nil
}

// Equal compares serialized forms. This is the echo-loop breaker used by
// the sync bridge: a write that round-trips unchanged compares equal and
// must not re-trigger a state replacement.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s.Empty() && other.Empty()
	}
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ActiveColumn resolves the active column pointer, degrading a stale or
// malformed reference (e.g. left behind by a configuration shrink) to
// "absent" instead of failing.
func (s *Snapshot) ActiveColumn(cfg Config) (ColumnKey, bool) {
	if s == nil || s.ActiveCol == "" {
		return ColumnKey{}, false
	}
	col, err := ParseColumnKey(s.ActiveCol)
	if err != nil || !col.ValidFor(cfg) {
		return ColumnKey{}, false
	}
	return col, true
}

// columnHasData reports whether any cell of the column holds an entered
// amount or a completion mark.
func (s *Snapshot) columnHasData(col ColumnKey) bool {
	suffix := keySeparator + col.String()
	for k, c := range s.Cells {
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			if c.Done || c.Reps.Set {
				return true
			}
		}
	}
	return false
}

// EnsureActiveColumn returns a valid active column, selecting one when the
// pointer is absent or stale: the first column (day-major order) with no
// data yet, or A_1 when every column already has data. The selection is
// written back to the snapshot.
func (s *Snapshot) EnsureActiveColumn(cfg Config) ColumnKey {
	if col, ok := s.ActiveColumn(cfg); ok {
		return col
	}
	for _, col := range Columns(cfg) {
		if !s.columnHasData(col) {
			s.ActiveCol = col.String()
			return col
		}
	}
	first := ColumnKey{Day: dayLetters[0], Set: 1}
	s.ActiveCol = first.String()
	return first
}

// AdvanceActiveColumn moves the pointer to the next column in day-major
// order. Past the last column the pointer is cleared and finished is true.
func (s *Snapshot) AdvanceActiveColumn(cfg Config) (next ColumnKey, finished bool) {
	cols := Columns(cfg)
	current := -1
	if col, ok := s.ActiveColumn(cfg); ok {
		for i, c := range cols {
			if c == col {
				current = i
				break
			}
		}
	}
	nextIdx := current + 1
	if nextIdx >= len(cols) {
		s.ActiveCol = ""
		return ColumnKey{}, true
	}
	s.ActiveCol = cols[nextIdx].String()
	return cols[nextIdx], false
}

// SetReps records an entered amount for the cell, clamped to [0, 999].
// A valid amount marks the cell done; clearing the amount clears the
// completion mark. The cell's column becomes the active column.
func (s *Snapshot) SetReps(key string, reps Reps) error {
	_, col, err := ParseCellKey(key)
	if err != nil {
		return err
	}
	if reps.Set {
		if reps.Value < 0 {
			reps.Value = 0
		}
		if reps.Value > MaxReps {
			reps.Value = MaxReps
		}
	}

	cell := s.Cells[key]
	cell.Reps = reps
	cell.Done = reps.Set
	s.Cells[key] = cell
	s.ActiveCol = col.String()
	return nil
}

// ToggleDone flips the completion flag. Completing a cell with no amount
// entered is rejected with ErrEmptyReps.
func (s *Snapshot) ToggleDone(key string) (Cell, error) {
	_, col, err := ParseCellKey(key)
	if err != nil {
		return Cell{}, err
	}
	cell := s.Cells[key]
	if !cell.Done && !cell.Reps.Set {
		return Cell{}, ErrEmptyReps
	}
	cell.Done = !cell.Done
	s.Cells[key] = cell
	s.ActiveCol = col.String()
	return cell, nil
}

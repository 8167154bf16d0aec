package workout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// keySeparator joins the three parts of a cell key: exercise, training
	// day letter and set number. Exercise names must not contain it.
	keySeparator = "_"

	// ActiveColKey is the reserved snapshot entry holding the currently
	// focused (day, set) column, or null when no column is active.
	ActiveColKey = "_activeCol"

	MaxDays = 20
	MaxSets = 20
	MaxReps = 999
)

// dayLetters is the explicit ordered list of training day identifiers.
// Index lookups go through DayIndex / DayLetter, never through character
// arithmetic, so the mapping stays testable.
var dayLetters = []string{
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J",
	"K", "L", "M", "N", "O", "P", "Q", "R", "S", "T",
}

var (
	ErrInvalidCellKey   = errors.New("invalid cell key")
	ErrInvalidColumnKey = errors.New("invalid column key")
	ErrEmptyReps        = errors.New("reps amount not set")
)

func DayLetter(index int) (string, bool) {
	if index < 0 || index >= len(dayLetters) {
		return "", false
	}
	return dayLetters[index], true
}

func DayIndex(letter string) (int, bool) {
	for i, l := range dayLetters {
		if l == letter {
			return i, true
		}
	}
	return 0, false
}

// Config holds the training table dimensions. Changing it changes the
// valid column-key space but never mutates historical snapshots.
type Config struct {
	Days int `json:"days"`
	Sets int `json:"sets"`
}

func DefaultConfig() Config {
	return Config{Days: 2, Sets: 4}
}

// Clamped returns the config with both dimensions forced into [1, 20].
// Out-of-range values are never rejected with an error.
func (c Config) Clamped() Config {
	clamp := func(v, max int) int {
		if v < 1 {
			return 1
		}
		if v > max {
			return max
		}
		return v
	}
	return Config{
		Days: clamp(c.Days, MaxDays),
		Sets: clamp(c.Sets, MaxSets),
	}
}

// Reps is a numeric amount with an explicit empty/unset sentinel. The
// legacy wire shape stores the empty state as "" and the set state as a
// bare JSON number, so both marshal directions are custom.
type Reps struct {
	Set   bool
	Value float64
}

func NewReps(v float64) Reps {
	return Reps{Set: true, Value: v}
}

func (r Reps) Positive() bool {
	return r.Set && r.Value > 0
}

func (r Reps) MarshalJSON() ([]byte, error) {
	if !r.Set {
		return []byte(`""`), nil
	}
	return []byte(strconv.FormatFloat(r.Value, 'f', -1, 64)), nil
}

func (r *Reps) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == `""` {
		*r = Reps{}
		return nil
	}
	if trimmed[0] == '"' {
		// a quoted number slips through in some legacy snapshots
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*r = Reps{}
			return nil
		}
		*r = NewReps(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*r = NewReps(v)
	return nil
}

// Cell is one (exercise, training day, set) tracked entry.
type Cell struct {
	Reps Reps `json:"reps"`
	Done bool `json:"done"`
}

// Contributing reports whether the cell counts towards analytics: either
// explicitly completed, or holding a positive stored amount. Ambiguous or
// empty cells are never counted.
func (c Cell) Contributing() bool {
	return c.Done || c.Reps.Positive()
}

// Amount is the analytics contribution of the cell, in seconds.
func (c Cell) Amount() float64 {
	if !c.Reps.Set {
		return 0
	}
	return c.Reps.Value
}

// ColumnKey addresses one (training day, set) column, e.g. "A_1".
type ColumnKey struct {
	Day string
	Set int
}

func (k ColumnKey) String() string {
	return k.Day + keySeparator + strconv.Itoa(k.Set)
}

func ParseColumnKey(s string) (ColumnKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 2 {
		return ColumnKey{}, fmt.Errorf("%w: %q", ErrInvalidColumnKey, s)
	}
	if _, ok := DayIndex(parts[0]); !ok {
		return ColumnKey{}, fmt.Errorf("%w: unknown day %q", ErrInvalidColumnKey, parts[0])
	}
	set, err := strconv.Atoi(parts[1])
	if err != nil || set < 1 {
		return ColumnKey{}, fmt.Errorf("%w: bad set number %q", ErrInvalidColumnKey, parts[1])
	}
	return ColumnKey{Day: parts[0], Set: set}, nil
}

// ValidFor reports whether the column is structurally valid for the given
// configuration. A reference left behind by a shrunk configuration fails
// this check and must be treated as absent, not dereferenced.
func (k ColumnKey) ValidFor(cfg Config) bool {
	idx, ok := DayIndex(k.Day)
	if !ok {
		return false
	}
	return idx < cfg.Days && k.Set >= 1 && k.Set <= cfg.Sets
}

// Columns lists all column keys of the configuration in day-major order:
// A_1, A_2, ..., B_1, ...
func Columns(cfg Config) []ColumnKey {
	cols := make([]ColumnKey, 0, cfg.Days*cfg.Sets)
	for d := 0; d < cfg.Days; d++ {
		letter, ok := DayLetter(d)
		if !ok {
			break
		}
		for s := 1; s <= cfg.Sets; s++ {
			cols = append(cols, ColumnKey{Day: letter, Set: s})
		}
	}
	return cols
}

func CellKey(exercise string, col ColumnKey) string {
	return exercise + keySeparator + col.String()
}

// ParseCellKey decomposes "exercise_day_set". Exercise names carrying the
// separator are rejected, same as keys with a malformed column part.
func ParseCellKey(key string) (exercise string, col ColumnKey, err error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) != 3 {
		return "", ColumnKey{}, fmt.Errorf("%w: %q", ErrInvalidCellKey, key)
	}
	col, err = ParseColumnKey(parts[1] + keySeparator + parts[2])
	if err != nil {
		return "", ColumnKey{}, fmt.Errorf("%w: %q", ErrInvalidCellKey, key)
	}
	return parts[0], col, nil
}

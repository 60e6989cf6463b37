package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"QuantFlow/pkg/util"
)

// Collections held by the shared data store.
const (
	CollectionPriceVolume = "price_volume"
	CollectionIndicators  = "indicators"
	CollectionSignal      = "signal"
	CollectionBacktest    = "backtest_results"
)

// Collections lists every collection in a stable order.
func Collections() []string {
	return []string{CollectionPriceVolume, CollectionIndicators, CollectionSignal, CollectionBacktest}
}

// Table is a labeled numeric matrix: rows are trading days, columns are tickers.
// Missing cells hold NaN.
type Table struct {
	Index   []time.Time
	Columns []string
	Values  [][]float64
}

// FieldTables maps a field name (close, pe, ...) to its table.
type FieldTables map[string]*Table

// Snapshot is a deep copy of the store: collection -> field -> table.
type Snapshot map[string]FieldTables

// NewTable allocates a table filled with fill.
func NewTable(index []time.Time, columns []string, fill float64) *Table {
	t := &Table{
		Index:   append([]time.Time(nil), index...),
		Columns: append([]string(nil), columns...),
		Values:  make([][]float64, len(index)),
	}
	for i := range t.Values {
		row := make([]float64, len(columns))
		for j := range row {
			row[j] = fill
		}
		t.Values[i] = row
	}
	return t
}

// NewTableFromLabels builds a table from dynamically typed labels, as produced by
// JSON decoders and SQL drivers. Index labels may be time.Time or date strings;
// column labels must be strings.
func NewTableFromLabels(index []any, columns []any, values [][]float64) (*Table, error) {
	t := &Table{
		Index:   make([]time.Time, len(index)),
		Columns: make([]string, len(columns)),
		Values:  values,
	}
	for i, v := range index {
		switch x := v.(type) {
		case time.Time:
			t.Index[i] = x
		case string:
			ts, err := util.ParseDate(x)
			if err != nil {
				return nil, fmt.Errorf("%w: index[%d]=%q", ErrTypeMismatch, i, x)
			}
			t.Index[i] = ts
		default:
			return nil, fmt.Errorf("%w: index[%d] has type %T", ErrTypeMismatch, i, v)
		}
	}
	for j, v := range columns {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: columns[%d] has type %T", ErrTypeMismatch, j, v)
		}
		t.Columns[j] = s
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Rows returns the number of rows.
func (t *Table) Rows() int {
	if t == nil {
		return 0
	}
	return len(t.Index)
}

// Cols returns the number of columns.
func (t *Table) Cols() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

// Empty reports whether the table has no cells.
func (t *Table) Empty() bool { return t.Rows() == 0 || t.Cols() == 0 }

// At returns the cell at row r, column c.
func (t *Table) At(r, c int) float64 { return t.Values[r][c] }

// ColumnIndex returns the position of name or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column copies one column out of the table.
func (t *Table) Column(name string) ([]float64, bool) {
	j := t.ColumnIndex(name)
	if j < 0 {
		return nil, false
	}
	out := make([]float64, len(t.Values))
	for i, row := range t.Values {
		out[i] = row[j]
	}
	return out, true
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := &Table{
		Index:   append([]time.Time(nil), t.Index...),
		Columns: append([]string(nil), t.Columns...),
		Values:  make([][]float64, len(t.Values)),
	}
	for i, row := range t.Values {
		c.Values[i] = append([]float64(nil), row...)
	}
	return c
}

// SameIndex reports whether both tables share the same row labels.
func (t *Table) SameIndex(o *Table) bool {
	if t.Rows() != o.Rows() {
		return false
	}
	for i := range t.Index {
		if !t.Index[i].Equal(o.Index[i]) {
			return false
		}
	}
	return true
}

// Validate checks labels and shape. Violations wrap ErrTypeMismatch.
func (t *Table) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil table", ErrTypeMismatch)
	}
	if len(t.Values) != len(t.Index) {
		return fmt.Errorf("%w: %d rows for %d index labels", ErrTypeMismatch, len(t.Values), len(t.Index))
	}
	for i, ts := range t.Index {
		if ts.IsZero() {
			return fmt.Errorf("%w: index[%d] is a zero time", ErrTypeMismatch, i)
		}
		if i > 0 && !ts.After(t.Index[i-1]) {
			return fmt.Errorf("%w: index not strictly increasing at %d", ErrTypeMismatch, i)
		}
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for j, c := range t.Columns {
		if c == "" {
			return fmt.Errorf("%w: columns[%d] is empty", ErrTypeMismatch, j)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrTypeMismatch, c)
		}
		seen[c] = struct{}{}
	}
	for i, row := range t.Values {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: row %d has %d cells, want %d", ErrTypeMismatch, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// ValidateSignal checks every cell is +1, 0, -1 or NaN.
func (t *Table) ValidateSignal() error {
	for i, row := range t.Values {
		for j, v := range row {
			if math.IsNaN(v) || v == 1 || v == 0 || v == -1 {
				continue
			}
			return fmt.Errorf("%w: %v at %s/%s", ErrInvalidSignal, v, util.FormatDate(t.Index[i]), t.Columns[j])
		}
	}
	return nil
}

// NaNRatio returns the share of missing cells.
func (t *Table) NaNRatio() float64 {
	total, missing := 0, 0
	for _, row := range t.Values {
		for _, v := range row {
			total++
			if math.IsNaN(v) {
				missing++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(missing) / float64(total)
}

type tableJSON struct {
	Index   []time.Time  `json:"index"`
	Columns []string     `json:"columns"`
	Values  [][]*float64 `json:"values"`
}

// MarshalJSON encodes NaN cells as null.
func (t Table) MarshalJSON() ([]byte, error) {
	out := tableJSON{Index: t.Index, Columns: t.Columns, Values: make([][]*float64, len(t.Values))}
	for i, row := range t.Values {
		r := make([]*float64, len(row))
		for j := range row {
			if math.IsNaN(row[j]) || math.IsInf(row[j], 0) {
				continue
			}
			v := row[j]
			r[j] = &v
		}
		out.Values[i] = r
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes null cells as NaN.
func (t *Table) UnmarshalJSON(b []byte) error {
	var in tableJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	t.Index = in.Index
	t.Columns = in.Columns
	t.Values = make([][]float64, len(in.Values))
	for i, row := range in.Values {
		r := make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				r[j] = math.NaN()
				continue
			}
			r[j] = *v
		}
		t.Values[i] = r
	}
	return nil
}

// Clone deep-copies every table of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, fields := range s {
		out[name] = fields.Clone()
	}
	return out
}

// Keys lists the field names of every collection.
func (s Snapshot) Keys() map[string][]string {
	out := make(map[string][]string, len(s))
	for name, fields := range s {
		out[name] = fields.Names()
	}
	return out
}

// Clone deep-copies the field tables.
func (f FieldTables) Clone() FieldTables {
	out := make(FieldTables, len(f))
	for k, t := range f {
		out[k] = t.Clone()
	}
	return out
}

// Names returns the sorted field names.
func (f FieldTables) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

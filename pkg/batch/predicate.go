package batch

import (
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// Op is a comparison operator in a predicate.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpGt Op = ">"
	OpGe Op = ">="
	OpLt Op = "<"
	OpLe Op = "<="
)

// Predicate is a conjunction of simple column/literal comparisons.
// It is the filter shape the bridge can push down to capable formats
// or evaluate itself after decoding.
type Predicate struct {
	Terms []Term
}

// Term compares one column against one literal.
type Term struct {
	Column  string
	Op      Op
	Literal string
}

// ParsePredicate parses expressions of the form
// "col > 10 AND name = alice". An empty input yields a nil predicate.
func ParsePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var terms []Term
	for _, clause := range splitAnd(expr) {
		term, err := parseTerm(clause)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return &Predicate{Terms: terms}, nil
}

func splitAnd(expr string) []string {
	// Case-insensitive split on the AND keyword.
	var parts []string
	rest := expr
	for {
		idx := indexWordAnd(rest)
		if idx < 0 {
			parts = append(parts, rest)
			return parts
		}
		parts = append(parts, rest[:idx])
		rest = rest[idx+len("and"):]
	}
}

func indexWordAnd(s string) int {
	lower := strings.ToLower(s)
	from := 0
	for {
		idx := strings.Index(lower[from:], "and")
		if idx < 0 {
			return -1
		}
		idx += from
		before := idx == 0 || lower[idx-1] == ' '
		after := idx+3 >= len(lower) || lower[idx+3] == ' '
		if before && after {
			return idx
		}
		from = idx + 3
	}
}

func parseTerm(clause string) (Term, error) {
	clause = strings.TrimSpace(clause)
	// Longest operators first so ">=" is not read as ">".
	for _, op := range []Op{OpGe, OpLe, OpNe, OpEq, OpGt, OpLt} {
		if idx := strings.Index(clause, string(op)); idx > 0 {
			col := strings.TrimSpace(clause[:idx])
			lit := strings.TrimSpace(clause[idx+len(op):])
			lit = strings.Trim(lit, `'"`)
			if col == "" || lit == "" {
				break
			}
			return Term{Column: col, Op: op, Literal: lit}, nil
		}
	}
	return Term{}, strataerrors.Newf(strataerrors.ErrorTypeConfig, "cannot parse filter clause %q", clause)
}

// Columns returns the distinct columns the predicate references, in
// first-appearance order.
func (p *Predicate) Columns() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Terms))
	cols := make([]string, 0, len(p.Terms))
	for _, t := range p.Terms {
		if _, ok := seen[t.Column]; ok {
			continue
		}
		seen[t.Column] = struct{}{}
		cols = append(cols, t.Column)
	}
	return cols
}

// Validate checks that every referenced column exists in the schema.
func (p *Predicate) Validate(schema *arrow.Schema) error {
	if p == nil {
		return nil
	}
	for _, t := range p.Terms {
		if FieldIndex(schema, t.Column) < 0 {
			return strataerrors.Newf(strataerrors.ErrorTypeConfig, "filter column %q not in schema", t.Column)
		}
	}
	return nil
}

// Filter evaluates the predicate row by row and returns a new record
// holding only matching rows. A nil predicate returns the input with
// an extra retain so callers release uniformly.
func (p *Predicate) Filter(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	if p == nil || len(p.Terms) == 0 {
		rec.Retain()
		return rec, nil
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	rows := int(rec.NumRows())
	mask := make([]bool, rows)
	for i := range mask {
		mask[i] = true
	}

	for _, term := range p.Terms {
		idx := FieldIndex(rec.Schema(), term.Column)
		if idx < 0 {
			return nil, strataerrors.Newf(strataerrors.ErrorTypeConfig, "filter column %q not in schema", term.Column)
		}
		if err := applyTerm(rec.Column(idx), term, mask); err != nil {
			return nil, err
		}
	}

	return selectRows(mem, rec, mask)
}

func applyTerm(col arrow.Array, term Term, mask []bool) error {
	switch c := col.(type) {
	case *array.Int64:
		want, err := strconv.ParseInt(term.Literal, 10, 64)
		if err != nil {
			return strataerrors.Newf(strataerrors.ErrorTypeConfig, "filter literal %q is not an integer", term.Literal)
		}
		for i := range mask {
			if !mask[i] {
				continue
			}
			if c.IsNull(i) {
				mask[i] = false
				continue
			}
			mask[i] = compareInt(c.Value(i), want, term.Op)
		}
	case *array.Float64:
		want, err := strconv.ParseFloat(term.Literal, 64)
		if err != nil {
			return strataerrors.Newf(strataerrors.ErrorTypeConfig, "filter literal %q is not a number", term.Literal)
		}
		for i := range mask {
			if !mask[i] {
				continue
			}
			if c.IsNull(i) {
				mask[i] = false
				continue
			}
			mask[i] = compareFloat(c.Value(i), want, term.Op)
		}
	case *array.String:
		for i := range mask {
			if !mask[i] {
				continue
			}
			if c.IsNull(i) {
				mask[i] = false
				continue
			}
			mask[i] = compareString(c.Value(i), term.Literal, term.Op)
		}
	case *array.Boolean:
		want := term.Literal == "true"
		for i := range mask {
			if !mask[i] {
				continue
			}
			if c.IsNull(i) {
				mask[i] = false
				continue
			}
			switch term.Op {
			case OpEq:
				mask[i] = c.Value(i) == want
			case OpNe:
				mask[i] = c.Value(i) != want
			default:
				return strataerrors.Newf(strataerrors.ErrorTypeConfig, "operator %s not valid for booleans", term.Op)
			}
		}
	default:
		return strataerrors.Newf(strataerrors.ErrorTypeConfig, "filtering not supported on column type %s", col.DataType())
	}
	return nil
}

func compareInt(v, want int64, op Op) bool {
	switch op {
	case OpEq:
		return v == want
	case OpNe:
		return v != want
	case OpGt:
		return v > want
	case OpGe:
		return v >= want
	case OpLt:
		return v < want
	case OpLe:
		return v <= want
	}
	return false
}

func compareFloat(v, want float64, op Op) bool {
	switch op {
	case OpEq:
		return v == want
	case OpNe:
		return v != want
	case OpGt:
		return v > want
	case OpGe:
		return v >= want
	case OpLt:
		return v < want
	case OpLe:
		return v <= want
	}
	return false
}

func compareString(v, want string, op Op) bool {
	switch op {
	case OpEq:
		return v == want
	case OpNe:
		return v != want
	case OpGt:
		return v > want
	case OpGe:
		return v >= want
	case OpLt:
		return v < want
	case OpLe:
		return v <= want
	}
	return false
}

// selectRows materializes the masked rows into fresh arrays.
func selectRows(mem memory.Allocator, rec arrow.Record, mask []bool) (arrow.Record, error) {
	builder := array.NewRecordBuilder(mem, rec.Schema())
	defer builder.Release()

	for col := 0; col < int(rec.NumCols()); col++ {
		src := rec.Column(col)
		dst := builder.Field(col)
		for row := range mask {
			if !mask[row] {
				continue
			}
			if src.IsNull(row) {
				dst.AppendNull()
				continue
			}
			if err := appendValue(dst, src, row); err != nil {
				return nil, err
			}
		}
	}
	return builder.NewRecord(), nil
}

func appendValue(dst array.Builder, src arrow.Array, row int) error {
	switch s := src.(type) {
	case *array.Int64:
		dst.(*array.Int64Builder).Append(s.Value(row))
	case *array.Float64:
		dst.(*array.Float64Builder).Append(s.Value(row))
	case *array.String:
		dst.(*array.StringBuilder).Append(s.Value(row))
	case *array.Boolean:
		dst.(*array.BooleanBuilder).Append(s.Value(row))
	case *array.Binary:
		dst.(*array.BinaryBuilder).Append(s.Value(row))
	default:
		return strataerrors.Newf(strataerrors.ErrorTypeConfig, "unsupported column type %s", src.DataType())
	}
	return nil
}

// String renders the predicate back to its textual form.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, len(p.Terms))
	for _, t := range p.Terms {
		parts = append(parts, t.Column+" "+string(t.Op)+" "+t.Literal)
	}
	return strings.Join(parts, " AND ")
}

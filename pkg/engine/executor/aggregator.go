package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"

	"github.com/keelproject/keel/pkg/engine/types"
)

// aggState accumulates one aggregation over one value column of one group.
type aggState struct {
	op  types.AggregationType
	typ types.DataType

	count    int64
	sumInt   int64
	sumFloat float64
	min, max types.Literal
}

func newAggState(op types.AggregationType, typ types.DataType) *aggState {
	return &aggState{op: op, typ: typ}
}

// observe folds a non-null value into the state.
func (s *aggState) observe(v types.Literal) {
	s.count++

	switch s.op {
	case types.AggregationTypeSum, types.AggregationTypeMean:
		if s.typ == types.Int64 {
			s.sumInt += v.Int64()
			s.sumFloat += float64(v.Int64())
		} else {
			s.sumFloat += v.Float64()
		}
	case types.AggregationTypeMin, types.AggregationTypeMax:
		if s.count == 1 {
			s.min, s.max = v, v
			return
		}
		if v.Compare(s.min) < 0 {
			s.min = v
		}
		if v.Compare(s.max) > 0 {
			s.max = v
		}
	}
}

// result returns the aggregated value. A group without observed values
// yields a zero sum, a zero count, and nulls for the other operations.
func (s *aggState) result() types.Literal {
	switch s.op {
	case types.AggregationTypeCount:
		return types.Int64Literal(s.count)
	case types.AggregationTypeSum:
		if s.typ == types.Int64 {
			return types.Int64Literal(s.sumInt)
		}
		return types.Float64Literal(s.sumFloat)
	case types.AggregationTypeMean:
		if s.count == 0 {
			return types.NullLiteral()
		}
		return types.Float64Literal(s.sumFloat / float64(s.count))
	case types.AggregationTypeMin:
		if s.count == 0 {
			return types.NullLiteral()
		}
		return s.min
	case types.AggregationTypeMax:
		if s.count == 0 {
			return types.NullLiteral()
		}
		return s.max
	}
	return types.NullLiteral()
}

// aggResultType returns the column type an aggregation produces for a value
// column of the given type.
func aggResultType(op types.AggregationType, typ types.DataType) types.DataType {
	switch op {
	case types.AggregationTypeCount:
		return types.Int64
	case types.AggregationTypeMean:
		return types.Float64
	default:
		return typ
	}
}

// aggColumn is one value column an aggregation reduces.
type aggColumn struct {
	name string
	typ  types.DataType
	idx  int
}

// resolveAggColumns resolves the value columns of an aggregation against the
// input schema. Without explicit columns, every numeric column not listed in
// exclude is aggregated.
func resolveAggColumns(schema *arrow.Schema, explicit, exclude []string, op types.AggregationType) ([]aggColumn, error) {
	if len(explicit) > 0 {
		columns := make([]aggColumn, 0, len(explicit))
		for _, name := range explicit {
			idx := schema.FieldIndices(name)
			if len(idx) == 0 {
				return nil, fmt.Errorf("column %q not found in input", name)
			}
			field := schema.Field(idx[0])
			typ, ok := types.FromArrow(field.Type)
			if !ok {
				return nil, fmt.Errorf("column %q has unsupported arrow type %s", name, field.Type)
			}
			if !numericType(typ) {
				return nil, fmt.Errorf("cannot aggregate column %q of type %s", name, typ)
			}
			columns = append(columns, aggColumn{name: name, typ: typ, idx: idx[0]})
		}
		return columns, nil
	}

	var columns []aggColumn
	for i, field := range schema.Fields() {
		if slices.Contains(exclude, field.Name) {
			continue
		}
		typ, ok := types.FromArrow(field.Type)
		if !ok || !numericType(typ) {
			continue
		}
		columns = append(columns, aggColumn{name: field.Name, typ: typ, idx: i})
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no numeric columns to apply %s to", op)
	}
	return columns, nil
}

func numericType(typ types.DataType) bool {
	return typ == types.Int64 || typ == types.Float64
}

// hashLiteral writes a canonical encoding of the value into the digest. The
// encoding is prefixed with the value's type, so equal renderings of
// different types hash apart.
func hashLiteral(h *xxhash.Digest, v types.Literal) {
	var buf [8]byte
	_, _ = h.Write([]byte{byte(v.Type())})

	switch v.Type() {
	case types.Bool:
		if v.Bool() {
			buf[0] = 1
		}
		_, _ = h.Write(buf[:1])
	case types.Int64:
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Int64()))
		_, _ = h.Write(buf[:])
	case types.Float64:
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float64()))
		_, _ = h.Write(buf[:])
	case types.Timestamp:
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Time().UnixNano()))
		_, _ = h.Write(buf[:])
	case types.String:
		_, _ = h.WriteString(v.Str())
	}
	_, _ = h.Write([]byte{0})
}

func literalsEqual(a, b []types.Literal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type() != b[i].Type() || a[i].Compare(b[i]) != 0 {
			return false
		}
	}
	return true
}

var errAggregateInput = errors.New("aggregation expects one input")

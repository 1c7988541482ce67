package operators

import (
	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// Int64Schema returns a schema of non-nullable int64 columns
func Int64Schema(names ...string) *arrow.Schema {
	fields := make([]arrow.Field, len(names))
	for i, n := range names {
		fields[i] = arrow.Field{Name: n, Type: arrow.PrimitiveTypes.Int64}
	}
	return arrow.NewSchema(fields, nil)
}

// NewInt64Record builds a record from column-major values. All columns
// must have the same length.
func NewInt64Record(alloc arrowmem.Allocator, schema *arrow.Schema, cols [][]int64) arrow.Record {
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()
	for i, col := range cols {
		b.Field(i).(*array.Int64Builder).AppendValues(col, nil)
	}
	return b.NewRecord()
}

// Int64Columns returns views of every column of rec. The slices alias the
// record's buffers and are only valid while rec is retained.
func Int64Columns(rec arrow.Record) ([][]int64, error) {
	cols := make([][]int64, rec.NumCols())
	for i := range cols {
		arr, ok := rec.Column(i).(*array.Int64)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "column %q is %s, want int64",
				rec.ColumnName(i), rec.Column(i).DataType())
		}
		cols[i] = arr.Int64Values()
	}
	return cols, nil
}

// valueBytes is the accounted size of n int64 values
func valueBytes(n int) int64 {
	return int64(n) * 8
}

package types

import "fmt"

// ColumnDef defines a single column of the row layout.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the SQLite type used when the table is exposed through SQL
	Type string `json:"type"`
}

var baseColumnNames = [BaseFields]string{
	FieldSeq:       "seq",
	FieldTime:      "time",
	FieldCode:      "code",
	FieldNumParams: "nb_params",
	FieldCPU:       "cpu",
	FieldThreadID:  "tid",
	FieldRaw:       "raw",
}

// Columns returns the column definitions of the layout, in row order.
// Parameter columns are named p0..p{MaxParams-1}.
func (l Layout) Columns() []ColumnDef {
	cols := make([]ColumnDef, 0, l.Width())
	for _, name := range baseColumnNames {
		cols = append(cols, ColumnDef{Name: name, Type: "INTEGER"})
	}
	for i := 0; i < l.MaxParams; i++ {
		cols = append(cols, ColumnDef{Name: fmt.Sprintf("p%d", i), Type: "INTEGER"})
	}
	return cols
}

// ColumnNames returns just the names from Columns.
func (l Layout) ColumnNames() []string {
	cols := l.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

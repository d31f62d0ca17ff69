package item

// Row is a tabular record: one cell per column name.
type Row struct {
	cells map[string]string
}

// NewRow builds a row from a header and its cells. Extra cells beyond the
// header are ignored; missing cells are absent.
func NewRow(header, cells []string) *Row {
	m := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(cells) {
			m[col] = cells[i]
		}
	}
	return &Row{cells: m}
}

// Get returns the cell for the named column.
func (r *Row) Get(path string) (string, bool) {
	v, ok := r.cells[path]
	return v, ok
}

// Columns returns a copy of the row as a column map.
func (r *Row) Columns() map[string]string {
	out := make(map[string]string, len(r.cells))
	for k, v := range r.cells {
		out[k] = v
	}
	return out
}

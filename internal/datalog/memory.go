package datalog

import (
	"context"
	"sync"
)

// table is one named table's in-memory state: ordered rows and the
// first-seen column order, plus an index from SiteID to row position for
// upsert semantics.
type table struct {
	mu      sync.Mutex
	columns []string
	seen    map[string]bool
	rows    []Row
	bySite  map[string]int
}

func newTable() *table {
	return &table{seen: make(map[string]bool), bySite: make(map[string]int)}
}

func (t *table) log(row Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range row {
		if !t.seen[k] {
			t.seen[k] = true
			t.columns = append(t.columns, k)
		}
	}

	cp := make(Row, len(row))
	for k, v := range row {
		cp[k] = v
	}

	if id, ok := row[primaryKey]; ok {
		key, isStr := id.(string)
		if isStr {
			if idx, exists := t.bySite[key]; exists {
				t.rows[idx] = cp
				return
			}
			t.bySite[key] = len(t.rows)
		}
	}
	t.rows = append(t.rows, cp)
}

func (t *table) frame() *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	cols := append([]string(nil), t.columns...)
	rows := make([]Row, len(t.rows))
	for i, r := range t.rows {
		full := make(Row, len(cols))
		for _, c := range cols {
			full[c] = r[c]
		}
		rows[i] = full
	}
	return &Frame{Columns: cols, Rows: rows}
}

// MemoryLogger is the in-process/IPC DataLogger backend: a hash of rows
// keyed by table name, each table internally serializing its own writes
// without blocking reads or writes against other tables.
type MemoryLogger struct {
	mu     sync.Mutex
	tables map[string]*table
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{tables: make(map[string]*table)}
}

func (m *MemoryLogger) tableFor(name string) *table {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		t = newTable()
		m.tables[name] = t
	}
	return t
}

func (m *MemoryLogger) Log(ctx context.Context, name string, row Row) error {
	m.tableFor(name).log(row)
	return nil
}

func (m *MemoryLogger) Fetch(ctx context.Context, name string, keep bool) (*Frame, error) {
	t := m.tableFor(name)
	frame := t.frame()
	if !keep {
		m.mu.Lock()
		delete(m.tables, name)
		m.mu.Unlock()
	}
	return frame, nil
}

func (m *MemoryLogger) Close() error { return nil }

var _ Logger = (*MemoryLogger)(nil)

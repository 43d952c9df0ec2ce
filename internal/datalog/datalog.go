// Package datalog provides durable, concurrent row storage per callback
// name within a Workspace's lifetime.
package datalog

import "context"

// Row is a single key->value record logged under one table name.
type Row map[string]any

// Frame is a table's rows rendered in insertion order, with a stable
// column order (first-seen order across all rows).
type Frame struct {
	Columns []string
	Rows    []Row
}

// Logger is the DataLogger contract (C4).
type Logger interface {
	// Log appends or upserts row into the named table. If row carries a
	// "SiteID" key, it is the table's unique primary key: a later Log call
	// with the same SiteID replaces the earlier row.
	Log(ctx context.Context, name string, row Row) error
	// Fetch returns the named table as a Frame. If keep is false the table
	// is dropped after the read.
	Fetch(ctx context.Context, name string, keep bool) (*Frame, error)
	Close() error
}

const primaryKey = "SiteID"

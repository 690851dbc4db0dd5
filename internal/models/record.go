package models

import (
	"maps"
	"time"
)

// Record is one row of a ledger table (customers, invoices, ...).
// Fields holds the table-specific columns; the engine never interprets them.
type Record struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	ClientRef string         `json:"client_ref,omitempty"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`

	// Pending is true while a local mutation of this record awaits remote confirmation.
	Pending bool `json:"-"`
}

func (r Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	c := r
	c.Fields = maps.Clone(r.Fields)
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	if r.DeletedAt != nil {
		deletedAt := *r.DeletedAt
		c.DeletedAt = &deletedAt
	}
	return c
}

// Patch describes a partial update. A non-nil DeletedAt soft-deletes the record.
type Patch struct {
	Fields    map[string]any `json:"fields,omitempty"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

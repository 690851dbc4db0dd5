package models

import "time"

type ChangeKind string

const (
	ChangeInsert    ChangeKind = "insert"
	ChangeUpdate    ChangeKind = "update"
	ChangeDelete    ChangeKind = "delete"
	ChangeReconcile ChangeKind = "reconcile"
	ChangeRollback  ChangeKind = "rollback"
)

// ChangeEvent is one notification from the remote change feed.
// Delivery is at-least-once, so the same event may arrive more than once.
type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	Table     string     `json:"table"`
	Record    Record     `json:"record"`
	Timestamp time.Time  `json:"timestamp"`
}

// Change is a local notification handed to subscription handlers after the
// in-memory collection for Table changed.
type Change struct {
	Kind   ChangeKind
	Table  string
	Record Record
	// PreviousID is the temporary id a reconciled record was known by.
	PreviousID string
}

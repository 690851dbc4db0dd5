package models

import "time"

type OperationKind string

const (
	OperationCreate      OperationKind = "create"
	OperationUpdate      OperationKind = "update"
	OperationDelete      OperationKind = "delete"
	OperationBatchCreate OperationKind = "batchCreate"
)

// PendingOperation is a mutation waiting for remote confirmation.
// Unknown JSON fields are ignored on decode so older engines can read newer queues.
type PendingOperation struct {
	OperationID string         `json:"operation_id"`
	Table       string         `json:"table"`
	Kind        OperationKind  `json:"kind"`
	OwnerID     string         `json:"owner_id"`
	TargetID    string         `json:"target_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Batch       []BatchEntry   `json:"batch,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RetryCount  int            `json:"retry_count"`
	Stalled     bool           `json:"stalled,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// BatchEntry is one record of a batchCreate, keyed by its temporary id.
type BatchEntry struct {
	TempID string         `json:"temp_id"`
	Fields map[string]any `json:"fields"`
}

// Targets returns every record id the operation refers to.
func (op PendingOperation) Targets() []string {
	if op.Kind == OperationBatchCreate {
		ids := make([]string, 0, len(op.Batch))
		for _, entry := range op.Batch {
			ids = append(ids, entry.TempID)
		}
		return ids
	}
	if op.TargetID == "" {
		return nil
	}
	return []string{op.TargetID}
}

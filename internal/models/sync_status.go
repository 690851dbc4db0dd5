package models

// SyncStatus is the aggregate health of the sync engine.
type SyncStatus struct {
	ConnectionState       ConnectionState `json:"connection_state"`
	PendingOperationCount int             `json:"pending_operation_count"`
	StalledOperationCount int             `json:"stalled_operation_count"`
	LastError             error           `json:"-"`
	ReducedDurability     bool            `json:"reduced_durability"`
}

// Equal reports whether two statuses would look the same to an observer.
func (s SyncStatus) Equal(other SyncStatus) bool {
	return s.ConnectionState == other.ConnectionState &&
		s.PendingOperationCount == other.PendingOperationCount &&
		s.StalledOperationCount == other.StalledOperationCount &&
		s.ReducedDurability == other.ReducedDurability &&
		errorText(s.LastError) == errorText(other.LastError)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Restore state cache
	SaveState(st *StoredState) error
	GetState(entityID string) (*StoredState, error)
	ListStates() ([]*StoredState, error)
	DeleteState(entityID string) error
	WriteStates(save []*StoredState, remove []string) error

	// Automation records
	SaveAutomation(rec *AutomationRecord) error
	GetAutomation(entityID string) (*AutomationRecord, error)

	// UpdateAutomation atomically reads, modifies, and saves a record in a
	// single transaction. A missing record is passed to fn as a zero value
	// with EntityID set.
	UpdateAutomation(entityID string, fn func(rec *AutomationRecord) error) error

	// Close the store
	Close() error
}

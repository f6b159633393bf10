package coordinator

import "errors"

var (
	// ErrTaskNotFound is returned when a task id is neither active nor in history.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal is returned when an operation targets a task that
	// already reached completed or failed.
	ErrTaskTerminal = errors.New("task already terminal")
	// ErrAgentNotFound is returned for operations on unknown agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrCapabilityUnavailable is returned when no live node advertises the
	// capability a task requires.
	ErrCapabilityUnavailable = errors.New("no node offers required capability")
	// ErrNoNodes is returned when placement is requested on an empty registry.
	ErrNoNodes = errors.New("no nodes registered")
	// ErrInvalidStatus is returned for unknown task status strings.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrInvalidDistrict is returned for unknown district names.
	ErrInvalidDistrict = errors.New("invalid district")
)

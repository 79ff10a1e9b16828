package orchestrator

import "browser-test-orchestrator/internal/storage"

// transitions lists every legal status change. Terminal states have none.
var transitions = map[storage.Status][]storage.Status{
	storage.StatusPending: {storage.StatusRunning, storage.StatusError, storage.StatusTimeout},
	storage.StatusRunning: {storage.StatusSuccess, storage.StatusFailed, storage.StatusError, storage.StatusTimeout},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to storage.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// resultStatuses are the terminal statuses a worker may report.
var resultStatuses = map[storage.Status]bool{
	storage.StatusSuccess: true,
	storage.StatusFailed:  true,
	storage.StatusError:   true,
}

package blockchain

import (
	"sync"

	"github.com/pfennig/pfennig/internal/models"
)

// depthTracker remembers mined transactions until they are buried deep enough.
type depthTracker struct {
	mu        sync.Mutex
	threshold int64
	pending   map[string]int64 // tx hash -> appeared-at height
}

func newDepthTracker(threshold int64) *depthTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &depthTracker{threshold: threshold, pending: make(map[string]int64)}
}

func (t *depthTracker) Track(hash string, appearedAt int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[hash] = appearedAt
}

// Connected returns a confirmation event for every tracked transaction whose
// depth at height reached the threshold, and stops tracking it.
func (t *depthTracker) Connected(height int64) []models.ChainEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []models.ChainEvent
	for hash, appearedAt := range t.pending {
		if height-appearedAt+1 < t.threshold {
			continue
		}
		appeared := appearedAt
		events = append(events, models.ChainEvent{
			Kind:                  models.EventConfirmationReached,
			TransactionHash:       hash,
			AppearedAtChainHeight: &appeared,
			ChainHeight:           height,
		})
		delete(t.pending, hash)
	}
	return events
}

// Disconnected forgets transactions mined at or above height. They are
// tracked again when a connected block includes them.
func (t *depthTracker) Disconnected(height int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hash, appearedAt := range t.pending {
		if appearedAt >= height {
			delete(t.pending, hash)
		}
	}
}

func (t *depthTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

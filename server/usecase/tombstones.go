package usecase

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ponyo877/spectragate/server/domain"
)

const DefaultTombstones = 1024

// Tombstones remembers why recently closed sessions ended. The oldest
// entries are forgotten once size is reached.
type Tombstones struct {
	cache *lru.Cache
}

func NewTombstones(size int) (*Tombstones, error) {
	if size <= 0 {
		size = DefaultTombstones
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("error creating tombstone cache: %w", err)
	}
	return &Tombstones{cache: cache}, nil
}

func (t *Tombstones) Add(id, reason string, at time.Time) {
	t.cache.Add(id, domain.ClosedSession{ID: id, Reason: reason, ClosedAt: at})
}

func (t *Tombstones) Get(id string) (domain.ClosedSession, bool) {
	v, ok := t.cache.Get(id)
	if !ok {
		return domain.ClosedSession{}, false
	}
	closed, ok := v.(domain.ClosedSession)
	return closed, ok
}

func (t *Tombstones) Len() int {
	return t.cache.Len()
}

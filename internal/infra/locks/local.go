// Package locks provides the per-vault mutual exclusion used around primary
// submissions: an in-process table for single-node deployments and a redis
// lease for several coordinators sharing one registry.
package locks

import (
	"context"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Local serializes callers per vault inside one process. Different vaults
// never contend. A vault's slot lives only while someone holds or waits on it.
type Local struct {
	slots cmap.ConcurrentMap[string, *slot]
}

// slot is a one-token channel; refs counts holders and waiters and is only
// touched inside the map's shard lock.
type slot struct {
	token chan struct{}
	refs  int
}

func NewLocal() *Local {
	return &Local{slots: cmap.New[*slot]()}
}

func (l *Local) Lock(ctx context.Context, vaultID string) (func(), error) {
	s := l.slots.Upsert(vaultID, nil, func(exists bool, current, _ *slot) *slot {
		if !exists {
			current = &slot{token: make(chan struct{}, 1)}
		}
		current.refs++
		return current
	})
	select {
	case s.token <- struct{}{}:
	case <-ctx.Done():
		l.drop(vaultID, s)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.token
			l.drop(vaultID, s)
		})
	}, nil
}

func (l *Local) drop(vaultID string, s *slot) {
	l.slots.RemoveCb(vaultID, func(_ string, current *slot, exists bool) bool {
		if !exists || current != s {
			return false
		}
		current.refs--
		return current.refs == 0
	})
}

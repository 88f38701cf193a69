package permission

import (
	"context"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// Store persists grants. Mutations return the grants that actually changed
// and pass them to outbox, whose entries are written atomically with the
// change. A nil outbox writes no entries.
type Store interface {
	Add(ctx context.Context, perms []Permission, outbox OutboxFunc) ([]Permission, error)
	Remove(ctx context.Context, perms []Permission, outbox OutboxFunc) ([]Permission, error)
	RemoveByHolder(ctx context.Context, holder Holder, outbox OutboxFunc) ([]Permission, error)
	RemoveByResource(ctx context.Context, resource Resource, outbox OutboxFunc) ([]Permission, error)
	// Has reports an exact grant or, for instance resources, a wildcard one
	Has(ctx context.Context, p Permission) (bool, error)
	ListByHolder(ctx context.Context, holder Holder) ([]Permission, error)
}

// MemoryStore keeps grants in memory and writes its outbox entries to a
// store.MemoryOutbox under the same lock.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[Permission]struct{}
	outbox *store.MemoryOutbox
}

// NewMemoryStore creates a store. outbox may be nil for replicas.
func NewMemoryStore(outbox *store.MemoryOutbox) *MemoryStore {
	return &MemoryStore{
		grants: make(map[Permission]struct{}),
		outbox: outbox,
	}
}

func (s *MemoryStore) Add(ctx context.Context, perms []Permission, outbox OutboxFunc) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []Permission
	seen := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		if _, ok := s.grants[p]; ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		added = append(added, p)
	}
	err := s.commit(added, outbox, func() {
		for _, p := range added {
			s.grants[p] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (s *MemoryStore) Remove(ctx context.Context, perms []Permission, outbox OutboxFunc) ([]Permission, error) {
	return s.removeWhere(outbox, func(g Permission) bool {
		for _, p := range perms {
			if g == p {
				return true
			}
		}
		return false
	})
}

func (s *MemoryStore) RemoveByHolder(ctx context.Context, holder Holder, outbox OutboxFunc) ([]Permission, error) {
	return s.removeWhere(outbox, func(g Permission) bool { return g.Holder == holder })
}

func (s *MemoryStore) RemoveByResource(ctx context.Context, resource Resource, outbox OutboxFunc) ([]Permission, error) {
	return s.removeWhere(outbox, func(g Permission) bool { return g.Resource == resource })
}

func (s *MemoryStore) removeWhere(outbox OutboxFunc, match func(Permission) bool) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Permission
	for g := range s.grants {
		if match(g) {
			removed = append(removed, g)
		}
	}
	sortPermissions(removed)
	err := s.commit(removed, outbox, func() {
		for _, p := range removed {
			delete(s.grants, p)
		}
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// commit builds the outbox entries first so a failing builder leaves the
// grants untouched. Callers hold the lock.
func (s *MemoryStore) commit(changed []Permission, outbox OutboxFunc, apply func()) error {
	var entries []store.OutboxEntry
	if outbox != nil && len(changed) > 0 {
		var err error
		if entries, err = outbox(changed); err != nil {
			return err
		}
	}
	apply()
	if s.outbox != nil {
		s.outbox.Enqueue(entries...)
	}
	return nil
}

func (s *MemoryStore) Has(ctx context.Context, p Permission) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.grants[p]; ok {
		return true, nil
	}
	_, ok := s.grants[p.wildcard()]
	return ok, nil
}

func (s *MemoryStore) ListByHolder(ctx context.Context, holder Holder) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Permission
	for g := range s.grants {
		if g.Holder == holder {
			out = append(out, g)
		}
	}
	sortPermissions(out)
	return out, nil
}

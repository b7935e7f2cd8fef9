package gateway

import (
	"context"
	"fmt"
	"sync"
)

// HistoryIndex is the part of the store history reconciliation needs.
type HistoryIndex interface {
	InsertCheckIDs(ctx context.Context, urlIDs []string) (int, error)
	AllURLIDs(ctx context.Context) ([]string, error)
}

// Reconciler merges a client's locally known urlIds with the store. Ids only
// the client knows become check rows; ids only the store knows are handed
// back. Each id is handed back at most once per reconciler, so one
// reconciler belongs to one connection.
type Reconciler struct {
	index HistoryIndex

	mu   sync.Mutex
	sent map[string]struct{}
}

func NewReconciler(index HistoryIndex) *Reconciler {
	return &Reconciler{
		index: index,
		sent:  make(map[string]struct{}),
	}
}

// Sync runs one reconciliation round and returns the ids the client is
// missing. The result is never nil.
func (r *Reconciler) Sync(ctx context.Context, clientIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]struct{}, len(clientIDs))
	unique := make([]string, 0, len(clientIDs))
	for _, id := range clientIDs {
		if id == "" {
			continue
		}
		if _, dup := known[id]; dup {
			continue
		}
		known[id] = struct{}{}
		unique = append(unique, id)
	}

	stored, err := r.index.AllURLIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored ids: %w", err)
	}
	inStore := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		inStore[id] = struct{}{}
	}

	var clientOnly []string
	for _, id := range unique {
		if _, ok := inStore[id]; !ok {
			clientOnly = append(clientOnly, id)
		}
	}
	if len(clientOnly) > 0 {
		if _, err := r.index.InsertCheckIDs(ctx, clientOnly); err != nil {
			return nil, fmt.Errorf("insert check rows: %w", err)
		}
	}

	missing := []string{}
	for _, id := range stored {
		if _, ok := known[id]; ok {
			continue
		}
		if _, ok := r.sent[id]; ok {
			continue
		}
		r.sent[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing, nil
}

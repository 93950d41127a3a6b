package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/store"
)

// Default cache sizing.
const (
	DefaultNumCounters = 1e5
	DefaultMaxCost     = 1e4
	DefaultBufferItems = 64
)

// ErrNotFound is returned by Registry.Get when no template has the id.
var ErrNotFound = errors.New("template not found")

// Registry serves committed templates to readers outside transitions (the
// gateway, the keeper). Templates never change once created, so entries
// are never invalidated; misses are not cached.
type Registry struct {
	store     *store.Store
	programID ledger.Pubkey
	cache     *ristretto.Cache[string, Template]
	sfg       singleflight.Group
}

// NewRegistry creates a Registry with the default cache size.
func NewRegistry(s *store.Store, programID ledger.Pubkey) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Template]{
		NumCounters: DefaultNumCounters,
		MaxCost:     DefaultMaxCost,
		BufferItems: DefaultBufferItems,
		Cost: func(Template) int64 {
			return 1
		},
	})
	if err != nil {
		return nil, fmt.Errorf("template cache: %w", err)
	}
	return &Registry{store: s, programID: programID, cache: cache}, nil
}

// Get returns the template with the given id.
func (r *Registry) Get(ctx context.Context, templateID string) (Template, error) {
	if t, ok := r.cache.Get(templateID); ok {
		return t, nil
	}
	res, err, _ := r.sfg.Do(templateID, func() (any, error) {
		t, err := r.load(ctx, templateID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(templateID, t, 0)
		r.cache.Wait()
		return t, nil
	})
	if err != nil {
		return Template{}, err
	}
	return res.(Template), nil
}

func (r *Registry) load(ctx context.Context, templateID string) (Template, error) {
	addr, err := Address(r.programID, templateID)
	if err != nil {
		return Template{}, err
	}
	acct, err := r.store.Account(ctx, addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, templateID)
	}
	if err != nil {
		return Template{}, err
	}
	if acct.Owner != r.programID || acct.Kind != store.KindTemplate {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, templateID)
	}
	return Decode(acct.Data)
}

// Close releases the cache.
func (r *Registry) Close() {
	r.cache.Close()
}

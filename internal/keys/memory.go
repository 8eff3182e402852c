package keys

import (
	"context"
	"sort"
	"sync"
)

type MemoryDirectory struct {
	mu   sync.RWMutex
	byID map[string]APIKey
	// credential -> id
	index map[string]string
}

func NewMemoryDirectory(initial ...APIKey) *MemoryDirectory {
	d := &MemoryDirectory{
		byID:  make(map[string]APIKey),
		index: make(map[string]string),
	}
	for _, k := range initial {
		_ = d.Create(context.Background(), k)
	}
	return d
}

func (d *MemoryDirectory) FindActive(_ context.Context, key string) (APIKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.index[key]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	k := d.byID[id]
	if !k.Active {
		return APIKey{}, ErrNotFound
	}
	return k, nil
}

func (d *MemoryDirectory) Create(_ context.Context, k APIKey) error {
	if err := k.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.index[k.Key]; exists {
		return ErrDuplicateKey
	}
	if k.ID == "" {
		k.ID = k.Key
	}
	d.byID[k.ID] = k
	d.index[k.Key] = k.ID
	return nil
}

func (d *MemoryDirectory) SetActive(_ context.Context, id string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	k.Active = active
	d.byID[id] = k
	return nil
}

func (d *MemoryDirectory) Delete(_ context.Context, id string) (APIKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.byID[id]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	delete(d.byID, id)
	delete(d.index, k.Key)
	return k, nil
}

func (d *MemoryDirectory) Count(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID), nil
}

// List returns all keys, newest first.
func (d *MemoryDirectory) List(_ context.Context) ([]APIKey, error) {
	d.mu.RLock()
	out := make([]APIKey, 0, len(d.byID))
	for _, k := range d.byID {
		out = append(out, k)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// replace swaps the whole key set atomically.
func (d *MemoryDirectory) replace(all []APIKey) {
	byID := make(map[string]APIKey, len(all))
	index := make(map[string]string, len(all))
	for _, k := range all {
		if k.ID == "" {
			k.ID = k.Key
		}
		byID[k.ID] = k
		index[k.Key] = k.ID
	}

	d.mu.Lock()
	d.byID = byID
	d.index = index
	d.mu.Unlock()
}

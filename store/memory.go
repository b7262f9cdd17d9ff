/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

// Errors returned by the stores.
var (
	ErrNotFound      = dispatch.ErrNotFound
	ErrAlreadyExists = dispatch.ErrAlreadyExists
)

// MemoryConfigStore keeps configurations in a sharded concurrent map. Values
// are copied on the way in and out, callers never share state with the
// store.
type MemoryConfigStore struct {
	configs cmap.ConcurrentMap

	newID func() string
}

// NewMemoryConfigStore creates an empty MemoryConfigStore.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		configs: cmap.New(),

		newID: shortuuid.New,
	}
}

func (s *MemoryConfigStore) load(id string) (*dispatch.Configuration, bool) {
	v, ok := s.configs.Get(id)
	if !ok {
		return nil, false
	}
	cfg, ok := v.(*dispatch.Configuration)
	return cfg, ok && cfg != nil
}

// Create implements dispatch.ConfigStore.
func (s *MemoryConfigStore) Create(ctx context.Context, cfg *dispatch.Configuration) (*dispatch.Configuration, error) {
	stored := cfg.Clone()
	if stored.ID == "" {
		stored.ID = s.newID()
	}

	// A nil value is a placeholder left by a racing Update, not an entry.
	created := false
	s.configs.Upsert(stored.ID, stored, func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
		if current, ok := valueInMap.(*dispatch.Configuration); exist && ok && current != nil {
			return valueInMap
		}
		created = true
		return newValue
	})
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, stored.ID)
	}

	return stored.Clone(), nil
}

// Get implements dispatch.ConfigStore.
func (s *MemoryConfigStore) Get(ctx context.Context, id string) (*dispatch.Configuration, error) {
	cfg, ok := s.load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cfg.Clone(), nil
}

// List implements dispatch.ConfigStore. Results are ordered by creation time
// and id.
func (s *MemoryConfigStore) List(ctx context.Context, ownerID string) ([]*dispatch.Configuration, error) {
	var configs []*dispatch.Configuration
	for _, v := range s.configs.Items() {
		cfg, ok := v.(*dispatch.Configuration)
		if !ok || cfg == nil {
			continue
		}
		if ownerID != "" && cfg.OwnerID != ownerID {
			continue
		}
		configs = append(configs, cfg.Clone())
	}

	sort.Slice(configs, func(i, j int) bool {
		if !configs[i].CreatedAt.Equal(configs[j].CreatedAt) {
			return configs[i].CreatedAt.Before(configs[j].CreatedAt)
		}
		return configs[i].ID < configs[j].ID
	})

	return configs, nil
}

// Update implements dispatch.ConfigStore. fn runs while the shard of id is
// locked, so updates of the same configuration are serialized.
func (s *MemoryConfigStore) Update(ctx context.Context, id string, fn func(cfg *dispatch.Configuration) error) (*dispatch.Configuration, error) {
	if _, ok := s.load(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var updated *dispatch.Configuration
	var fnErr error
	missing := false
	s.configs.Upsert(id, nil, func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
		current, ok := valueInMap.(*dispatch.Configuration)
		if !exist || !ok || current == nil {
			missing = true
			return nil
		}

		next := current.Clone()
		next.ID = current.ID
		if fnErr = fn(next); fnErr != nil {
			return current
		}
		updated = next
		return next
	})

	if missing {
		// Deleted concurrently, drop the placeholder again.
		s.configs.RemoveCb(id, func(key string, v interface{}, exists bool) bool {
			return exists && v == nil
		})
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if fnErr != nil {
		return nil, fnErr
	}

	return updated.Clone(), nil
}

// Delete implements dispatch.ConfigStore.
func (s *MemoryConfigStore) Delete(ctx context.Context, id string) error {
	v, ok := s.configs.Pop(id)
	if !ok || v == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of stored configurations.
func (s *MemoryConfigStore) Count() int {
	count := 0
	for item := range s.configs.IterBuffered() {
		if cfg, ok := item.Val.(*dispatch.Configuration); ok && cfg != nil {
			count++
		}
	}
	return count
}

// restore puts cfg back as stored state.
func (s *MemoryConfigStore) restore(cfg *dispatch.Configuration) {
	s.configs.Set(cfg.ID, cfg.Clone())
}

func (s *MemoryConfigStore) remove(id string) {
	s.configs.Remove(id)
}

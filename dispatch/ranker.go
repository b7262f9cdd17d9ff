/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"sort"
)

// Rank returns configs in failover order: valid first, then by status
// priority, most recently used, most recently created and finally id. The
// input slice is not modified.
func Rank(configs []*Configuration) []*Configuration {
	ranked := make([]*Configuration, 0, len(configs))
	for _, cfg := range configs {
		if cfg != nil {
			ranked = append(ranked, cfg)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return rankLess(ranked[i], ranked[j])
	})

	return ranked
}

func rankLess(a, b *Configuration) bool {
	if a.IsValid != b.IsValid {
		return a.IsValid
	}

	if pa, pb := a.Status.priority(), b.Status.priority(); pa != pb {
		return pa < pb
	}

	switch {
	case a.LastUsed != nil && b.LastUsed == nil:
		return true
	case a.LastUsed == nil && b.LastUsed != nil:
		return false
	case a.LastUsed != nil && b.LastUsed != nil && !a.LastUsed.Equal(*b.LastUsed):
		return a.LastUsed.After(*b.LastUsed)
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}

	return a.ID < b.ID
}

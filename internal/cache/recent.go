package cache

import (
	"fmt"
	"slices"
)

const recentModelsKey = "recent-models"

// DefaultRecentModels is the length of the recent-models list.
const DefaultRecentModels = 5

// RecentModels returns the most recently used models, most recent first.
func (c *Cache) RecentModels() ([]string, error) {
	var ids []string
	if _, err := c.Get(recentModelsKey, &ids); err != nil {
		return nil, fmt.Errorf("failed to read recent models: %w", err)
	}
	return ids, nil
}

// TouchModel moves id to the front of the recent-models list, keeping at most limit entries. The list never
// expires.
func (c *Cache) TouchModel(id string, limit int) error {
	if id == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultRecentModels
	}

	ids, err := c.RecentModels()
	if err != nil {
		return err
	}
	ids = slices.DeleteFunc(ids, func(s string) bool { return s == id })
	ids = slices.Insert(ids, 0, id)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	if err := c.SetFor(recentModelsKey, ids, NoExpiry); err != nil {
		return fmt.Errorf("failed to store recent models: %w", err)
	}
	return nil
}

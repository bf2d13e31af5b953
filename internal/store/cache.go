package store

import (
	"sync"

	"pitchside/internal/records"
)

// settingsCache keeps settings documents in memory. Settings are read on
// every calculator call and written rarely.
type settingsCache struct {
	mu   sync.RWMutex
	data map[string]records.SettingsRecord
}

func newSettingsCache() *settingsCache {
	return &settingsCache{data: make(map[string]records.SettingsRecord)}
}

func (c *settingsCache) Get(category string) (records.SettingsRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.data[category]
	return rec, ok
}

func (c *settingsCache) Set(rec records.SettingsRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[rec.Category] = rec
}

func (c *settingsCache) Invalidate(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, category)
}

func (c *settingsCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]records.SettingsRecord)
}

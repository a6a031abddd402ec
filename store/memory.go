// Package store provides voxa.MessageStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luciancaetano/voxa"
)

// Memory keeps records in process memory. The zero value is not usable;
// call NewMemory.
type Memory struct {
	mu      sync.RWMutex
	nextID  int64
	records []voxa.Record
}

// NewMemory creates an empty in-memory store whose ids start at 1.
func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

// Insert implements voxa.MessageStore.
func (m *Memory) Insert(ctx context.Context, channelID, author, contents string, at time.Time) (voxa.Record, error) {
	if err := ctx.Err(); err != nil {
		return voxa.Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := voxa.Record{
		ID:        m.nextID,
		ChannelID: channelID,
		Author:    author,
		Contents:  contents,
		Timestamp: at.Unix(),
	}
	m.nextID++
	m.records = append(m.records, rec)
	return rec, nil
}

// FetchAfter implements voxa.MessageStore.
func (m *Memory) FetchAfter(ctx context.Context, id int64) ([]voxa.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	// records are appended in id order
	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].ID > id })
	out := make([]voxa.Record, len(m.records)-i)
	copy(out, m.records[i:])
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

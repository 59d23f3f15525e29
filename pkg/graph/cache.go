package graph

import (
	"strconv"
	"sync"

	"github.com/dukex/flowd/pkg/models"
)

// Cache builds each flow revision graph once.
type Cache struct {
	mu     sync.RWMutex
	graphs map[string]*FlowGraph
}

func NewCache() *Cache {
	return &Cache{graphs: map[string]*FlowGraph{}}
}

// Get returns the graph of a flow revision, building it on first use.
func (c *Cache) Get(flow *models.Flow) (*FlowGraph, error) {
	key := flow.UID() + "_" + strconv.Itoa(flow.Revision)

	c.mu.RLock()
	g, ok := c.graphs[key]
	c.mu.RUnlock()

	if ok {
		return g, nil
	}

	g, err := New(flow)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.graphs[key] = g
	c.mu.Unlock()

	return g, nil
}

package node

import (
	"sync"

	"github.com/dyluth/beacon/pkg/dsdl"
)

// Status is the self-assessment a node advertises in its heartbeat.
type Status struct {
	Health       dsdl.Health
	Mode         dsdl.Mode
	VendorStatus uint8
}

// StatusSource supplies the status sampled at every heartbeat.
type StatusSource interface {
	Status() Status
}

// StatusCell is a StatusSource that application code updates directly.
// It is safe for concurrent use.
type StatusCell struct {
	mu sync.RWMutex
	s  Status
}

func NewStatusCell(initial Status) *StatusCell {
	return &StatusCell{s: initial}
}

func (c *StatusCell) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s
}

func (c *StatusCell) Set(s Status) {
	c.mu.Lock()
	c.s = s
	c.mu.Unlock()
}

func (c *StatusCell) SetHealth(h dsdl.Health) {
	c.mu.Lock()
	c.s.Health = h
	c.mu.Unlock()
}

func (c *StatusCell) SetMode(m dsdl.Mode) {
	c.mu.Lock()
	c.s.Mode = m
	c.mu.Unlock()
}

func (c *StatusCell) SetVendorStatus(v uint8) {
	c.mu.Lock()
	c.s.VendorStatus = v
	c.mu.Unlock()
}

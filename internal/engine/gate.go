package engine

import (
	"errors"
	"sync"
)

// ErrBusy is returned when another decision run holds the gate.
var ErrBusy = errors.New("engine: another analysis run is in progress")

// Gate is the process-wide try-lock shared by every decision trigger.
type Gate struct {
	mu sync.Mutex
}

// TryAcquire never blocks. The release func is safe to call more than once.
func (g *Gate) TryAcquire() (func(), bool) {
	if !g.mu.TryLock() {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }, true
}

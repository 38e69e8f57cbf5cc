package scanner

import (
	"sort"
	"sync"
)

// PortState is the final verdict for one scanned TCP port.
type PortState int

const (
	PortOpen PortState = iota + 1
	PortClosed
)

func (s PortState) String() string {
	switch s {
	case PortOpen:
		return "Open"
	case PortClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PortList records port verdicts for one target.
type PortList struct {
	mu     sync.RWMutex
	states map[uint16]PortState
}

// NewPortList creates an empty port list.
func NewPortList() *PortList {
	return &PortList{states: make(map[uint16]PortState)}
}

// Add records state for port, replacing any earlier verdict.
func (l *PortList) Add(port uint16, state PortState) {
	l.mu.Lock()
	l.states[port] = state
	l.mu.Unlock()
}

// Lookup returns the verdict recorded for port.
func (l *PortList) Lookup(port uint16) (PortState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, ok := l.states[port]
	return state, ok
}

// Delete forgets any verdict for port.
func (l *PortList) Delete(port uint16) {
	l.mu.Lock()
	delete(l.states, port)
	l.mu.Unlock()
}

// Len returns the number of ports with a verdict.
func (l *PortList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.states)
}

// Open returns the open ports in ascending order.
func (l *PortList) Open() []uint16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var open []uint16
	for port, state := range l.states {
		if state == PortOpen {
			open = append(open, port)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open
}

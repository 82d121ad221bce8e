package inboxsync

import (
	"sync"
	"sync/atomic"
)

// Session supplies the credential presented when the channel connects.
// An empty token means there is no valid session.
type Session interface {
	Token() string
}

// StaticSession is a Session with a fixed token.
type StaticSession string

func (s StaticSession) Token() string { return string(s) }

// NetworkMonitor reports whether the device currently has a network.
type NetworkMonitor interface {
	Reachable() bool
}

// NetworkStatus is a NetworkMonitor the host application updates from
// its platform reachability callbacks.
type NetworkStatus struct {
	reachable atomic.Bool
}

// NewNetworkStatus returns a NetworkStatus with the given initial value.
func NewNetworkStatus(reachable bool) *NetworkStatus {
	n := &NetworkStatus{}
	n.reachable.Store(reachable)
	return n
}

func (n *NetworkStatus) Reachable() bool { return n.reachable.Load() }

// Set records reachability and reports whether it changed.
func (n *NetworkStatus) Set(reachable bool) bool {
	return n.reachable.Swap(reachable) != reachable
}

// ActiveTicket holds the id of the ticket whose conversation is on
// screen, if any. Notification suppression reads it.
type ActiveTicket struct {
	mu  sync.RWMutex
	id  int64
	set bool
}

// Get returns the active ticket id and whether one is set.
func (a *ActiveTicket) Get() (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id, a.set
}

// Set marks ticketID as the active ticket.
func (a *ActiveTicket) Set(ticketID int64) {
	a.mu.Lock()
	a.id, a.set = ticketID, true
	a.mu.Unlock()
}

// Clear unsets the active ticket if it is still ticketID. A zero
// ticketID clears unconditionally.
func (a *ActiveTicket) Clear(ticketID int64) {
	a.mu.Lock()
	if ticketID == 0 || a.id == ticketID {
		a.id, a.set = 0, false
	}
	a.mu.Unlock()
}

// ShouldNotify reports whether a new message on ticketID should raise a
// notification: only when that ticket is not the one on screen.
func (a *ActiveTicket) ShouldNotify(ticketID int64) bool {
	id, ok := a.Get()
	return !ok || id != ticketID
}

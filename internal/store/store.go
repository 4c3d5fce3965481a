// Package store holds the authoritative per-account session table.
//
// Every component (registry, dispatcher, correlator, classifier) mutates
// account state exclusively through this package. Mutations run as atomic
// read-modify-write operations under one lock held only for the duration of
// a single record update, never across an I/O wait, so a concurrent reader
// can never observe a half-written record.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/activity"
)

// ErrNotFound is returned when no session exists for an account.
var ErrNotFound = errors.New("account session not found")

// Launch lifecycle states.
const (
	StatusLaunching = "launching"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
)

// AccountSession is the per-account view reconciled from the process table,
// live connections, and telemetry. Keyed by account name (case-sensitive).
type AccountSession struct {
	Account string

	// PID is the correlated OS process id; 0 means none attributed yet.
	PID int

	// ConnIDs is the set of open session handles bound to this account.
	ConnIDs map[string]struct{}

	// Launch metadata.
	PlaceID    string
	JobID      string
	LaunchedAt time.Time
	Status     string

	// BalanceHistory is the bounded gain/no-gain window; classification is
	// a pure function of its contents.
	BalanceHistory []bool

	// Normalized financial totals.
	Money     float64
	BankMoney float64

	Classification activity.Class

	LastTelemetry  time.Time
	LastAutoAction time.Time

	// Visible is true iff ConnIDs is non-empty.
	Visible bool
}

// Total returns the combined pocket and reserve balance.
func (s *AccountSession) Total() float64 {
	return s.Money + s.BankMoney
}

// clone returns a deep copy so readers never share mutable state with the
// table.
func (s *AccountSession) clone() *AccountSession {
	cp := *s
	cp.ConnIDs = make(map[string]struct{}, len(s.ConnIDs))
	for id := range s.ConnIDs {
		cp.ConnIDs[id] = struct{}{}
	}
	cp.BalanceHistory = append([]bool(nil), s.BalanceHistory...)
	return &cp
}

// Store is the mutex-guarded session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*AccountSession
}

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]*AccountSession)}
}

// Get returns a copy of the session for account, or ErrNotFound.
func (st *Store) Get(account string) (*AccountSession, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[account]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// Upsert applies fn to the session for account under the store lock,
// creating the record first if it does not exist. fn must not block.
func (st *Store) Upsert(account string, fn func(*AccountSession)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[account]
	if !ok {
		s = &AccountSession{
			Account: account,
			ConnIDs: make(map[string]struct{}),
			Status:  StatusLaunching,
		}
		st.sessions[account] = s
	}
	fn(s)
	s.Visible = len(s.ConnIDs) > 0
}

// Update applies fn to an existing session under the store lock.
// Returns ErrNotFound without calling fn when the account is unknown.
func (st *Store) Update(account string, fn func(*AccountSession)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[account]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.Visible = len(s.ConnIDs) > 0
	return nil
}

// Delete removes the session for account, returning its final state.
func (st *Store) Delete(account string) (*AccountSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[account]
	if !ok {
		return nil, ErrNotFound
	}
	delete(st.sessions, account)
	return s, nil
}

// List returns copies of all sessions sorted by account name.
func (st *Store) List() []*AccountSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*AccountSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// ListVisible returns copies of sessions with at least one open connection.
func (st *Store) ListVisible() []*AccountSession {
	all := st.List()
	out := all[:0]
	for _, s := range all {
		if s.Visible {
			out = append(out, s)
		}
	}
	return out
}

// ByPID returns a copy of the session correlated to pid, if any.
func (st *Store) ByPID(pid int) (*AccountSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sessions {
		if s.PID == pid && pid != 0 {
			return s.clone(), true
		}
	}
	return nil, false
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Package dispatch routes remote-execution requests over the connection
// registry. Delivery is deliberately at-most-once with no ack: the
// dispatcher reports whether the send succeeded, never whether the script
// ran. Results come back asynchronously as exec_result messages and are
// correlated by execId in the log.
package dispatch

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/fleetdeck/fleetdeck/internal/logging"
	"github.com/fleetdeck/fleetdeck/internal/registry"
)

var dispLog = logging.ForComponent(logging.CompDispatch)

// ErrNoActiveSession is returned when an account has no open connection to
// route to.
var ErrNoActiveSession = errors.New("no active session for account")

// Sender is the slice of the registry the dispatcher needs. Connections are
// owned by the registry; the dispatcher only references them.
type Sender interface {
	ConnsFor(account string) []string
	ConnectedAccounts() []string
	Send(connID string, v any) error
}

// Detail is the per-account outcome of a multi-dispatch.
type Detail struct {
	Account string `json:"accountName"`
	ExecID  string `json:"execId,omitempty"`
	OK      bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Report aggregates a multi-dispatch. Never atomic: partial results are
// always returned.
type Report struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Details   []Detail `json:"details"`
}

// Dispatcher sends execute envelopes over the registry.
type Dispatcher struct {
	sender Sender
}

// New creates a dispatcher over the given sender.
func New(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Execute sends script to one connection of account and returns the execId.
// Fails with ErrNoActiveSession when the account has no open connection.
func (d *Dispatcher) Execute(account, script string) (string, error) {
	conns := d.sender.ConnsFor(account)
	if len(conns) == 0 {
		return "", ErrNoActiveSession
	}

	// One remote client drives each session, so the first connection is as
	// good as any; no load balancing needed.
	execID := uuid.NewString()
	env := registry.ServerMessage{Type: "execute", ExecID: execID, Script: script}
	if err := d.sender.Send(conns[0], env); err != nil {
		return "", err
	}
	dispLog.Info("dispatched",
		slog.String("account", account),
		slog.String("exec_id", execID),
		slog.String("conn_id", conns[0]))
	return execID, nil
}

// ExecuteMany dispatches script to every listed account and aggregates the
// outcome. Every input account appears in the details exactly once.
func (d *Dispatcher) ExecuteMany(accounts []string, script string) Report {
	report := Report{Total: len(accounts), Details: make([]Detail, 0, len(accounts))}
	for _, account := range accounts {
		execID, err := d.Execute(account, script)
		if err != nil {
			report.Failed++
			report.Details = append(report.Details, Detail{Account: account, Error: err.Error()})
			continue
		}
		report.Succeeded++
		report.Details = append(report.Details, Detail{Account: account, ExecID: execID, OK: true})
	}
	return report
}

// Broadcast dispatches script to every account with at least one open
// connection.
func (d *Dispatcher) Broadcast(script string) Report {
	accounts := d.sender.ConnectedAccounts()
	sort.Strings(accounts)
	return d.ExecuteMany(accounts, script)
}

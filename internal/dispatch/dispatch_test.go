package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/registry"
)

// fakeSender records sent envelopes without a real registry.
type fakeSender struct {
	conns    map[string][]string
	sendErr  map[string]error
	sent     []registry.ServerMessage
	sentConn []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		conns:   make(map[string][]string),
		sendErr: make(map[string]error),
	}
}

func (f *fakeSender) ConnsFor(account string) []string { return f.conns[account] }

func (f *fakeSender) ConnectedAccounts() []string {
	var out []string
	for account, ids := range f.conns {
		if len(ids) > 0 {
			out = append(out, account)
		}
	}
	return out
}

func (f *fakeSender) Send(connID string, v any) error {
	if err := f.sendErr[connID]; err != nil {
		return err
	}
	f.sent = append(f.sent, v.(registry.ServerMessage))
	f.sentConn = append(f.sentConn, connID)
	return nil
}

func TestExecute(t *testing.T) {
	sender := newFakeSender()
	sender.conns["alice"] = []string{"c1", "c2"}
	d := New(sender)

	execID, err := d.Execute("alice", "print('hi')")
	require.NoError(t, err)
	assert.NotEmpty(t, execID)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "c1", sender.sentConn[0], "first connection is picked")
	assert.Equal(t, "execute", sender.sent[0].Type)
	assert.Equal(t, execID, sender.sent[0].ExecID)
	assert.Equal(t, "print('hi')", sender.sent[0].Script)
}

func TestExecuteNoSession(t *testing.T) {
	d := New(newFakeSender())
	_, err := d.Execute("ghost", "x()")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestExecuteSendFailure(t *testing.T) {
	sender := newFakeSender()
	sender.conns["alice"] = []string{"c1"}
	sender.sendErr["c1"] = errors.New("broken pipe")
	d := New(sender)

	_, err := d.Execute("alice", "x()")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoActiveSession)
}

func TestExecuteManyPartialResults(t *testing.T) {
	sender := newFakeSender()
	sender.conns["alice"] = []string{"c1"}
	sender.conns["carol"] = []string{"c3"}
	d := New(sender)

	accounts := []string{"alice", "bob", "carol", "dave"}
	report := d.ExecuteMany(accounts, "work()")

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Details, 4, "every input account appears exactly once")

	byAccount := make(map[string]Detail)
	for _, det := range report.Details {
		byAccount[det.Account] = det
	}
	assert.True(t, byAccount["alice"].OK)
	assert.True(t, byAccount["carol"].OK)
	assert.False(t, byAccount["bob"].OK)
	assert.Equal(t, ErrNoActiveSession.Error(), byAccount["bob"].Error)
	assert.False(t, byAccount["dave"].OK)
}

func TestExecuteManyUniqueExecIDs(t *testing.T) {
	sender := newFakeSender()
	sender.conns["alice"] = []string{"c1"}
	sender.conns["bob"] = []string{"c2"}
	d := New(sender)

	report := d.ExecuteMany([]string{"alice", "bob"}, "x()")
	require.Equal(t, 2, report.Succeeded)
	assert.NotEqual(t, report.Details[0].ExecID, report.Details[1].ExecID)
}

func TestBroadcast(t *testing.T) {
	sender := newFakeSender()
	sender.conns["alice"] = []string{"c1"}
	sender.conns["bob"] = []string{"c2"}
	d := New(sender)

	report := d.Broadcast("x()")
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
}

func TestBroadcastNoConnections(t *testing.T) {
	d := New(newFakeSender())
	report := d.Broadcast("x()")
	assert.Equal(t, 0, report.Total)
	assert.Empty(t, report.Details)
}

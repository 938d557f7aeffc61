package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"mailforward/mailbox"
	"mailforward/message"
)

func newTestCycle(log *zap.Logger, store mailbox.Store, d Deliverer) *Cycle {
	dec := message.NewDecoder(log)
	f := message.NewFormatter(log, dec)
	f.Now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return NewCycle(log, store, dec, f, d)
}

func TestCycleForwardsUnseenInOrder(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{
		order: []mailbox.ID{7, 3},
		messages: map[mailbox.ID]fakeMessage{
			3: {raw: plainMessage("b@x.com", "second", "two")},
			7: {raw: plainMessage("a@x.com", "first", "one")},
		},
	})
	d := &fakeDeliverer{}
	c := newTestCycle(zaptest.NewLogger(t), store, d)

	rep, err := c.Run(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, Report{Account: "me@example.com", Unseen: 2, Delivered: 2}, rep)

	docs := d.delivered()
	require.Len(t, docs, 2)
	assert.Contains(t, docs[0], "Subject: first")
	assert.Contains(t, docs[1], "Subject: second")

	require.Len(t, store.sessions, 1)
	sess := store.sessions[0]
	assert.Equal(t, "INBOX", sess.selected)
	assert.True(t, sess.readOnly)
	assert.True(t, sess.closed)
	assert.True(t, sess.loggedOut)
}

func TestCycleMarkSeenSelectsReadWrite(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{})
	c := newTestCycle(zaptest.NewLogger(t), store, &fakeDeliverer{})
	c.MarkSeen = true
	c.Mailbox = "Alerts"

	_, err := c.Run(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "Alerts", store.sessions[0].selected)
	assert.False(t, store.sessions[0].readOnly)
}

func TestCycleNoUnseenMessages(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{})
	d := &fakeDeliverer{}
	c := newTestCycle(zaptest.NewLogger(t), store, d)

	rep, err := c.Run(context.Background(), acct)
	require.NoError(t, err)
	assert.Zero(t, rep.Unseen)
	assert.Empty(t, d.delivered())
}

func TestCycleIsolatesMessageFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{
		order: []mailbox.ID{1, 2, 3, 4},
		messages: map[mailbox.ID]fakeMessage{
			1: {raw: plainMessage("a@x.com", "ok-1", "body")},
			2: {fetchErr: errors.New("connection reset")},
			3: {raw: "not a header\r\n\r\nbody"},
			4: {raw: plainMessage("a@x.com", "ok-4", "body")},
		},
	})
	d := &fakeDeliverer{}
	c := newTestCycle(zap.New(core), store, d)

	rep, err := c.Run(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Unseen)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 2, rep.Failed)

	docs := d.delivered()
	require.Len(t, docs, 2)
	assert.Contains(t, docs[0], "ok-1")
	assert.Contains(t, docs[1], "ok-4")
	assert.Equal(t, 2, logs.FilterMessage("Email processing error").Len())
	assert.Equal(t, []mailbox.ID{1, 2, 3, 4}, store.sessions[0].fetched)
}

func TestCycleContinuesAfterDeliveryFailure(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{
		order: []mailbox.ID{1, 2},
		messages: map[mailbox.ID]fakeMessage{
			1: {raw: plainMessage("a@x.com", "rejected", "body")},
			2: {raw: plainMessage("a@x.com", "accepted", "body")},
		},
	})
	d := &fakeDeliverer{fail: func(doc string) error {
		if strings.Contains(doc, "rejected") {
			return errors.New("telegram down")
		}
		return nil
	}}
	c := newTestCycle(zaptest.NewLogger(t), store, d)

	rep, err := c.Run(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, rep.Failed)
}

func TestCycleOpenFailure(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{
		openErr: &mailbox.AuthError{Account: "me@example.com", Err: errors.New("bad password")},
	})
	d := &fakeDeliverer{}
	c := newTestCycle(zaptest.NewLogger(t), store, d)

	_, err := c.Run(context.Background(), acct)
	var authErr *mailbox.AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Empty(t, d.delivered())
}

func TestCycleSearchFailureStillLogsOut(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{searchErr: errors.New("BAD search")})
	c := newTestCycle(zaptest.NewLogger(t), store, &fakeDeliverer{})

	_, err := c.Run(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, store.sessions[0].closed)
	assert.True(t, store.sessions[0].loggedOut)
}

func TestCycleSelectFailure(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{selectErr: errors.New("NO no such mailbox")})
	c := newTestCycle(zaptest.NewLogger(t), store, &fakeDeliverer{})

	_, err := c.Run(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, store.sessions[0].loggedOut)
}

func TestCycleStopsWhenCancelled(t *testing.T) {
	store := newFakeStore()
	acct := store.add("me@example.com", &fakeAccount{
		order: []mailbox.ID{1, 2},
		messages: map[mailbox.ID]fakeMessage{
			1: {raw: plainMessage("a@x.com", "one", "body")},
			2: {raw: plainMessage("a@x.com", "two", "body")},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDeliverer{fail: func(string) error {
		cancel()
		return nil
	}}
	c := newTestCycle(zaptest.NewLogger(t), store, d)

	rep, err := c.Run(ctx, acct)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Delivered)
	assert.True(t, store.sessions[0].loggedOut)
}

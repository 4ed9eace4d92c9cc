package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmail() *Message {
	return &Message{ID: "01J", Channel: ChannelEmail, Status: StatusPending}
}

func newSMS() *Message {
	return &Message{ID: "01K", Channel: ChannelSMS, Status: StatusPending}
}

func TestPendingAcceptsOnlySentFirst(t *testing.T) {
	now := time.Now()

	m := newEmail()
	assert.ErrorIs(t, m.MarkOpened(now), ErrInvalidTransition)
	assert.ErrorIs(t, m.MarkClicked(now), ErrInvalidTransition)
	assert.Equal(t, StatusPending, m.Status)

	require.NoError(t, m.MarkSent("prov-1", now))
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, "prov-1", m.ProviderID)
	require.NotNil(t, m.SentAt)
}

func TestEngagementRejectedBeforeDelivery(t *testing.T) {
	now := time.Now()
	m := newEmail()
	require.NoError(t, m.MarkSent("p", now))

	assert.ErrorIs(t, m.MarkOpened(now), ErrInvalidTransition)
	assert.ErrorIs(t, m.MarkClicked(now), ErrInvalidTransition)
	assert.Equal(t, StatusSent, m.Status)
	assert.Zero(t, m.OpenCount)
}

func TestMarkSentTwiceRestamps(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newSMS()
	require.NoError(t, m.MarkSent("SM1", first))
	require.NoError(t, m.MarkSent("", first.Add(time.Minute)))

	assert.Equal(t, "SM1", m.ProviderID)
	assert.Equal(t, first.Add(time.Minute), *m.SentAt)
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	now := time.Now()
	m := newSMS()
	require.NoError(t, m.MarkSent("SM1", now))
	require.NoError(t, m.MarkDelivered(now))
	require.NoError(t, m.MarkDelivered(now.Add(time.Second)))

	assert.Equal(t, StatusDelivered, m.Status)
	require.NotNil(t, m.DeliveredAt)
	assert.Equal(t, now.Add(time.Second), *m.DeliveredAt)
}

func TestDeliveredOvertakesSendAck(t *testing.T) {
	now := time.Now()
	m := newSMS()
	require.NoError(t, m.MarkDelivered(now))
	assert.Equal(t, StatusDelivered, m.Status)
	assert.NotNil(t, m.SentAt)
}

func TestOpenAndClickCounters(t *testing.T) {
	now := time.Now()
	m := newEmail()
	require.NoError(t, m.MarkSent("p", now))
	require.NoError(t, m.MarkDelivered(now))

	require.NoError(t, m.MarkOpened(now))
	require.NoError(t, m.MarkOpened(now.Add(time.Minute)))
	assert.Equal(t, StatusOpened, m.Status)
	assert.Equal(t, 2, m.OpenCount)
	assert.Equal(t, now.Add(time.Minute), *m.LastOpenedAt)

	require.NoError(t, m.MarkClicked(now))
	require.NoError(t, m.MarkOpened(now))
	assert.Equal(t, StatusClicked, m.Status, "an open after a click keeps clicked")
	assert.Equal(t, 3, m.OpenCount)
	assert.Equal(t, 1, m.ClickCount)

	// duplicate delivery report after engagement is ignored
	require.NoError(t, m.MarkDelivered(now))
	assert.Equal(t, StatusClicked, m.Status)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	now := time.Now()
	m := newSMS()
	require.NoError(t, m.MarkSent("SM1", now))
	require.NoError(t, m.MarkDelivered(now))
	require.NoError(t, m.MarkFailed("carrier rejected", "30007", now))
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, "30007", m.ErrorCode)

	assert.ErrorIs(t, m.MarkDelivered(now), ErrTerminalState)
	assert.ErrorIs(t, m.MarkSent("x", now), ErrTerminalState)
	assert.ErrorIs(t, m.MarkUndelivered("x", now), ErrTerminalState)
	assert.Equal(t, StatusFailed, m.Status)
}

func TestChannelSpecificTerminals(t *testing.T) {
	now := time.Now()

	sms := newSMS()
	assert.ErrorIs(t, sms.MarkBounced("mailbox full", now), ErrInvalidTransition)
	require.NoError(t, sms.MarkUndelivered("unreachable", now))
	assert.Equal(t, StatusUndelivered, sms.Status)

	email := newEmail()
	assert.ErrorIs(t, email.MarkUndelivered("x", now), ErrInvalidTransition)
	require.NoError(t, email.MarkBounced("mailbox full", now))
	assert.Equal(t, StatusBounced, email.Status)
	assert.Equal(t, "mailbox full", email.ErrorMessage)
}

func TestSMSRejectsEngagement(t *testing.T) {
	now := time.Now()
	m := newSMS()
	require.NoError(t, m.MarkDelivered(now))
	assert.ErrorIs(t, m.MarkOpened(now), ErrInvalidTransition)
	assert.ErrorIs(t, m.MarkClicked(now), ErrInvalidTransition)
}

func TestStatusValidFor(t *testing.T) {
	assert.True(t, StatusOpened.ValidFor(ChannelEmail))
	assert.False(t, StatusOpened.ValidFor(ChannelSMS))
	assert.True(t, StatusUndelivered.ValidFor(ChannelSMS))
	assert.False(t, StatusUndelivered.ValidFor(ChannelEmail))
	assert.True(t, StatusFailed.ValidFor(ChannelSMS))
}

func TestDue(t *testing.T) {
	now := time.Now()
	m := newEmail()
	m.ScheduledAt = now.Add(time.Minute)
	assert.False(t, m.Due(now))
	m.ScheduledAt = now
	assert.True(t, m.Due(now))
	m.Status = StatusSent
	assert.False(t, m.Due(now))
}

func TestClaimable(t *testing.T) {
	now := time.Now()
	m := newEmail()
	m.ScheduledAt = now
	assert.True(t, m.Claimable(now))

	m.ClaimedUntil = stamp(now.Add(time.Minute))
	assert.True(t, m.Due(now))
	assert.False(t, m.Claimable(now), "leased message is left alone")
	assert.True(t, m.Claimable(now.Add(time.Minute)), "expired lease is up for grabs")
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, PriorityNormal, p)
	p, ok = ParsePriority("HIGH")
	assert.True(t, ok)
	assert.Equal(t, PriorityHigh, p)
	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/kafka"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (s *memSource) Fetch(ctx context.Context) (kafka.Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *memSource) Commit(_ context.Context, ms ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		s.committed = append(s.committed, m.Offset)
	}
	return nil
}

func (s *memSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type memSink struct {
	mu      sync.Mutex
	failFor int
	batches [][]model.MessageEvent
}

func (s *memSink) InsertBatch(_ context.Context, evs []model.MessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor > 0 {
		s.failFor--
		return errors.New("clickhouse: connection refused")
	}
	s.batches = append(s.batches, append([]model.MessageEvent(nil), evs...))
	return nil
}

func (s *memSink) stored() []model.MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MessageEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func eventMsg(t *testing.T, offset int64, id string, st model.MessageStatus) kafka.Message {
	t.Helper()
	b, err := json.Marshal(model.MessageEvent{
		MessageID:  id,
		UserID:     7,
		Channel:    model.ChannelEmail,
		Status:     st,
		OccurredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func runProjector(t *testing.T, p *EventsProjector) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("projector did not stop")
		}
	}
}

func TestEventsProjectorFlushesBySize(t *testing.T) {
	src := &memSource{}
	for i := 0; i < 4; i++ {
		src.queue = append(src.queue, eventMsg(t, int64(i), fmt.Sprintf("m%d", i), model.StatusSent))
	}
	sink := &memSink{}
	stop := runProjector(t, NewEventsProjector(src, sink, 2, time.Hour))
	defer stop()

	require.Eventually(t, func() bool { return len(src.commits()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.stored(), 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, src.commits())
}

func TestEventsProjectorFlushesOnTickAndShutdown(t *testing.T) {
	src := &memSource{queue: []kafka.Message{eventMsg(t, 10, "a", model.StatusDelivered)}}
	sink := &memSink{}
	stop := runProjector(t, NewEventsProjector(src, sink, 100, 20*time.Millisecond))

	require.Eventually(t, func() bool { return len(sink.stored()) == 1 }, time.Second, 5*time.Millisecond)

	src.mu.Lock()
	src.queue = append(src.queue, eventMsg(t, 11, "b", model.StatusOpened))
	src.mu.Unlock()
	require.Eventually(t, func() bool { return len(sink.stored()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{10, 11}, src.commits())
}

func TestEventsProjectorSkipsPoisonButCommitsIt(t *testing.T) {
	src := &memSource{queue: []kafka.Message{
		{Offset: 1, Value: []byte("not json")},
		eventMsg(t, 2, "a", model.StatusSent),
	}}
	sink := &memSink{}
	stop := runProjector(t, NewEventsProjector(src, sink, 2, time.Hour))
	defer stop()

	require.Eventually(t, func() bool { return len(src.commits()) == 2 }, time.Second, 5*time.Millisecond)
	stored := sink.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "a", stored[0].MessageID)
}

func TestEventsProjectorRetriesFailedBatchBeforeCommitting(t *testing.T) {
	src := &memSource{queue: []kafka.Message{eventMsg(t, 5, "a", model.StatusSent)}}
	sink := &memSink{failFor: 2}
	stop := runProjector(t, NewEventsProjector(src, sink, 1, 10*time.Millisecond))
	defer stop()

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.stored(), 1)
}

func TestDecodeEventShapes(t *testing.T) {
	inner := `{"message_id":"01J","user_id":3,"channel":"sms","status":"undelivered","occurred_at":"2024-05-01T10:00:00Z"}`

	ev, err := DecodeEvent([]byte(inner))
	require.NoError(t, err)
	assert.Equal(t, model.StatusUndelivered, ev.Status)
	assert.Equal(t, int64(3), ev.UserID)

	quoted, _ := json.Marshal(inner)
	ev, err = DecodeEvent(quoted)
	require.NoError(t, err)
	assert.Equal(t, "01J", ev.MessageID)

	ev, err = DecodeEvent([]byte(`{"schema":{"type":"string"},"payload":` + string(quoted) + `}`))
	require.NoError(t, err)
	assert.Equal(t, model.ChannelSMS, ev.Channel)

	for _, bad := range []string{
		``,
		`{"user_id":3}`,
		`{"message_id":"x","channel":"fax","status":"sent","occurred_at":"2024-05-01T10:00:00Z"}`,
		`{"message_id":"x","channel":"sms","status":"opened","occurred_at":"2024-05-01T10:00:00Z"}`,
		`{"message_id":"x","channel":"sms","status":"sent"}`,
	} {
		_, err := DecodeEvent([]byte(bad))
		assert.Error(t, err, bad)
	}
}

type countingProcessor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProcessor) ProcessDue(_ context.Context, batchSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return batchSize, p.err
}

func (p *countingProcessor) n() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestSchedulerSweepsImmediatelyAndOnInterval(t *testing.T) {
	p := &countingProcessor{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewScheduler(p, 10*time.Millisecond, 5).Run(ctx) }()

	require.Eventually(t, func() bool { return p.n() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSchedulerRequiresService(t *testing.T) {
	assert.Error(t, (&Scheduler{}).Run(context.Background()))
}

func TestDecodeEventReadsOutboxPayload(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m := &model.Message{ID: "01HX", UserID: 9, Channel: model.ChannelEmail, Status: model.StatusClicked,
		Provider: "mailer", Metadata: model.MessageMetadata{CampaignID: "spring"}}

	row, err := model.EventFor(m, at).Outbox("message.events")
	require.NoError(t, err)
	assert.Equal(t, "message", row.Aggregate)
	assert.Equal(t, "01HX", row.AggregateID)
	assert.Equal(t, at, row.CreatedAt)

	ev, err := DecodeEvent(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, model.EventFor(m, at), ev)
}

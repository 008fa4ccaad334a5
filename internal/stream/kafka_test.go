package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/truthaudit/internal/audit"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type fakeAppender struct {
	events []audit.Event
	err    error
}

func (f *fakeAppender) AppendEvent(_ context.Context, e audit.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func testPublisher(w messageWriter) *Publisher {
	return &Publisher{w: w, topic: DefaultTopic, timeout: time.Second, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func sampleEvent() audit.Event {
	return audit.Event{
		ID: "EVT-0000AAAA", Kind: audit.EventPause, AgentID: "agent-1", SessionID: "s1",
		TriggerReason: "truth_low", ActionTaken: "paused:R1", CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestPublishKeysByAgent(t *testing.T) {
	w := &fakeWriter{}
	p := testPublisher(w)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "agent-1", string(msg.Key))
	assert.Equal(t, []kafka.Header{
		{Key: "event_type", Value: []byte("pause")},
		{Key: "session_id", Value: []byte("s1")},
	}, msg.Headers)

	var got audit.Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "EVT-0000AAAA", got.ID)
	assert.Equal(t, "paused:R1", got.ActionTaken)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestTee_PublishFailureIsNotFatal(t *testing.T) {
	primary := &fakeAppender{}
	w := &fakeWriter{err: errors.New("broker down")}
	tee := NewTeeEventStore(primary, testPublisher(w), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, tee.AppendEvent(context.Background(), sampleEvent()))
	assert.Len(t, primary.events, 1)
}

func TestTee_PrimaryFailureSkipsPublish(t *testing.T) {
	primary := &fakeAppender{err: errors.New("db locked")}
	w := &fakeWriter{}
	tee := NewTeeEventStore(primary, testPublisher(w), slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, tee.AppendEvent(context.Background(), sampleEvent()))
	assert.Empty(t, w.msgs)
}

func TestNewPublisherDefaults(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, DefaultTopic, p.topic)
	kw, ok := p.w.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, DefaultTopic, kw.Topic)
	assert.True(t, kw.Async, "publishing must not wait on the broker")
	require.NotNil(t, kw.Completion)
	_ = p.Close()
}

func TestCompletionLogsDeliveryFailure(t *testing.T) {
	var buf bytes.Buffer
	p := NewPublisher([]string{"localhost:9092"}, "events", slog.New(slog.NewTextHandler(&buf, nil)))
	defer func() { _ = p.Close() }()

	p.completed([]kafka.Message{{Key: []byte("a")}}, nil)
	assert.Empty(t, buf.String())

	p.completed([]kafka.Message{{Key: []byte("a")}, {Key: []byte("b")}}, errors.New("leader not available"))
	assert.Contains(t, buf.String(), "event stream delivery failed")
	assert.Contains(t, buf.String(), "messages=2")
	assert.Contains(t, buf.String(), "topic=events")
}

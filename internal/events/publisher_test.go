package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawRecorder struct {
	queue string
	body  []byte
	err   error
}

func (r *rawRecorder) PublishRaw(ctx context.Context, queue string, body []byte) error {
	r.queue, r.body = queue, body
	return r.err
}

func TestQueuePublisherRoutesAndWraps(t *testing.T) {
	raw := &rawRecorder{}
	p := NewQueuePublisher(raw, "events", []string{" transcription.dead_letter "})
	p.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, p.Publish(context.Background(), TranscriptionCompleted, "conn1", map[string]string{"message_id": "m1"}))
	assert.Equal(t, "events", raw.queue)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw.body, &env))
	assert.Equal(t, TranscriptionCompleted, env.Type)
	assert.Equal(t, "conn1", env.ConnectionID)
	assert.JSONEq(t, `{"message_id":"m1"}`, string(env.Event))
	assert.Equal(t, 2024, env.Timestamp.Year())

	require.NoError(t, p.Publish(context.Background(), TranscriptionDeadLetter, "conn1", nil))
	assert.Equal(t, "transcription.dead_letter", raw.queue)
}

func TestQueuePublisherReportsFailure(t *testing.T) {
	raw := &rawRecorder{err: errors.New("channel closed")}
	p := NewQueuePublisher(raw, "", nil)
	assert.Error(t, p.Publish(context.Background(), MessageReady, "c", struct{}{}))
	assert.Equal(t, "events", p.QueueFor(MessageReady))
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, NewLogPublisher().Publish(context.Background(), MessageReady, "c", map[string]int{"n": 1}))
	assert.Error(t, NewLogPublisher().Publish(context.Background(), MessageReady, "c", func() {}))
}

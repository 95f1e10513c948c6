package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	j := NewJournal(w)
	ctx := context.Background()
	j.Observe(ctx, Event{SessionID: "s1", Kind: KindNodeStarted, Node: "precheck"})
	j.Observe(ctx, Event{SessionID: "s1", Kind: KindInterrupted, Node: "progressive_step1_core_task",
		Data: map[string]any{"interaction_type": "progressive_questionnaire_step1"}})
	path := w.GetCurrentLogFile()
	require.NoError(t, j.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, KindInterrupted, events[1].Kind)
	assert.Equal(t, "progressive_questionnaire_step1", events[1].Data["interaction_type"])

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestWriterRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return day }

	require.NoError(t, w.Publish(context.Background(), Event{Kind: KindCompleted}))
	day = day.Add(2 * time.Hour)
	require.NoError(t, w.Publish(context.Background(), Event{Kind: KindCompleted}))
	assert.Equal(t, filepath.Join(dir, "events-2026-03-02.jsonl"), w.GetCurrentLogFile())
	require.NoError(t, w.Close())

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(dir, "events-2026-03-01.jsonl"))
	assert.Contains(t, files, filepath.Join(dir, "events-2026-03-02.jsonl"))
}

type fakeKafka struct {
	msgs   []kafka.Message
	fail   error
	closed bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysBySession(t *testing.T) {
	fake := &fakeKafka{}
	p := &KafkaPublisher{w: fake}
	require.NoError(t, p.Publish(context.Background(), Event{SessionID: "abc", Kind: KindFailed}))
	require.Len(t, fake.msgs, 1)
	assert.Equal(t, "abc", string(fake.msgs[0].Key))
	assert.Equal(t, "failed", string(fake.msgs[0].Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(fake.msgs[0].Value, &decoded))
	assert.Equal(t, KindFailed, decoded.Kind)

	require.NoError(t, p.Close())
	assert.True(t, fake.closed)
}

func TestJournalSurvivesSinkFailure(t *testing.T) {
	bad := &KafkaPublisher{w: &fakeKafka{fail: errors.New("broker down")}}
	good := &KafkaPublisher{w: &fakeKafka{}}
	j := NewJournal(bad, good)

	assert.NotPanics(t, func() { j.Observe(context.Background(), Event{SessionID: "s", Kind: KindResumed}) })
	assert.Len(t, good.w.(*fakeKafka).msgs, 1)
}

func TestNewKafkaPublisherConfiguresWriter(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "atelier.events")
	kw, ok := p.w.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "atelier.events", kw.Topic)
	assert.IsType(t, &kafka.Hash{}, kw.Balancer)
}

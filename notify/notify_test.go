package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafka_PublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, zap.NewNop())
	k.now = func() time.Time { return time.Date(2026, 1, 8, 9, 0, 0, 0, time.UTC) }

	err := k.Notify(context.Background(), "alice", "quotation QUO080126101 created", "created for cust-1")
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("alice"), w.msgs[0].Key)

	var got Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "alice", got.Recipient)
	assert.Equal(t, "quotation QUO080126101 created", got.Title)
	assert.Equal(t, 2026, got.SentAt.Year())
}

func TestKafka_WriteErrorReturned(t *testing.T) {
	k := newKafka(&fakeWriter{err: errors.New("broker unreachable")}, zap.NewNop())

	err := k.Notify(context.Background(), "alice", "t", "m")

	assert.ErrorContains(t, err, "broker unreachable")
}

func TestLog_WritesEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLog(zap.New(core))

	require.NoError(t, l.Notify(context.Background(), "bob", "status changed", "draft to approved"))

	entries := logs.FilterMessage("status changed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].ContextMap()["recipient"])
}

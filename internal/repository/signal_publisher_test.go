package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
	pkgkafka "PolySignals/pkg/kafka"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaSignalPublisherShapesByTier(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaSignalPublisher(pkgkafka.NewProducerWithWriter(w, "snappy"), "signals")
	sig := models.Signal{
		ID: "s1", MarketID: "m1", Question: "Q?", Direction: models.DirectionBuy,
		Confidence: 0.7, EntryPrice: 0.4, Reasoning: []string{"dislocation"},
		GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Supersedes: "s0",
	}

	require.NoError(t, p.Publish(context.Background(), sig, models.TierFree))
	require.NoError(t, p.Publish(context.Background(), sig, models.TierPro))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "signals.free", w.msgs[0].Topic)
	assert.Equal(t, []byte("m1"), w.msgs[0].Key)
	assert.Equal(t, "s1", pkgkafka.ExtractTraceID(w.msgs[0]))

	var free, pro models.SignalView
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &free))
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &pro))
	assert.Nil(t, free.Detail, "free view is redacted")
	require.NotNil(t, pro.Detail)
	assert.Equal(t, 0.4, pro.Detail.EntryPrice)
	assert.Equal(t, "signals.pro", w.msgs[1].Topic)
	assert.Contains(t, w.msgs[1].Headers, kafka.Header{Key: "supersedes", Value: []byte("s0")})
}

func TestKafkaSignalPublisherFailures(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	p := NewKafkaSignalPublisher(pkgkafka.NewProducerWithWriter(w, "snappy"), "")

	err := p.Publish(context.Background(), models.Signal{ID: "s", MarketID: "m"}, models.TierPremium)
	assert.True(t, models.IsKind(err, models.KindTransientIO))

	err = p.Publish(context.Background(), models.Signal{ID: "s"}, models.Tier("gold"))
	assert.True(t, models.IsKind(err, models.KindIntegrityViolation))
	assert.Equal(t, "signals.pro", p.Topic(models.TierPro))
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/pkg/queue"
)

// DelayQueue stores gate delays as JSON in a pkg/queue backend.
type DelayQueue struct {
	q queue.DelayQueue
}

var _ domrepo.DelayQueue = (*DelayQueue)(nil)

func NewDelayQueue(q queue.DelayQueue) *DelayQueue { return &DelayQueue{q: q} }

func (d *DelayQueue) Push(ctx context.Context, item domrepo.DelayedRelease) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode delayed release: %w", err)
	}
	return d.q.Push(ctx, b, item.NotBefore)
}

func (d *DelayQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]domrepo.DelayedRelease, error) {
	raw, err := d.q.PopDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domrepo.DelayedRelease, 0, len(raw))
	for _, b := range raw {
		var it domrepo.DelayedRelease
		if err := json.Unmarshal(b, &it); err != nil {
			return out, fmt.Errorf("decode delayed release: %w", err)
		}
		out = append(out, it)
	}
	return out, nil
}

func (d *DelayQueue) Len(ctx context.Context) (int, error) { return d.q.Len(ctx) }

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/schema"
)

// backoff yields exponentially growing delays capped at max.
type backoff struct {
	next time.Duration
	max  time.Duration
	mult float64
}

func newBackoff(cfg schema.WaitConfig) *backoff {
	return &backoff{next: cfg.Initial, max: cfg.Max, mult: cfg.Multiplier}
}

func (b *backoff) delay() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.mult)
	if grown > b.max || grown <= 0 {
		grown = b.max
	}
	b.next = grown
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitComplete polls the tab until it reports complete. A zero timeout in
// cfg waits until ctx is cancelled.
func waitComplete(ctx context.Context, src TabSource, id schema.TabID, cfg schema.WaitConfig) (schema.Tab, int, error) {
	parent := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	b := newBackoff(cfg)
	for attempt := 1; ; attempt++ {
		tab, err := src.Get(ctx, id)
		if err == nil && tab.Status == schema.TabStatusComplete {
			return tab, attempt, nil
		}
		if err == nil {
			err = sleepCtx(ctx, b.delay())
		}
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				return tab, attempt, fmt.Errorf("%w: tab %d after %d checks", schema.ErrWaitTimeout, id, attempt)
			}
			return tab, attempt, err
		}
	}
}

func (e *engine) WaitLoaded(ctx context.Context, req schema.WaitLoadedRequest) (schema.WaitLoadedResponse, error) {
	if req.TabID == schema.NoTab {
		return schema.WaitLoadedResponse{}, fmt.Errorf("%w: missing tab", schema.ErrInvalidRequest)
	}
	log := logx.WithTab(ctx, req.TabID)
	log.Trace("wait loaded start", "timeout", e.cfg.Wait.Timeout)
	tab, attempts, err := waitComplete(ctx, e.source, req.TabID, e.cfg.Wait)
	if err != nil {
		if errors.Is(err, schema.ErrWaitTimeout) {
			log.Debug("wait loaded timed out", "attempts", attempts)
		} else {
			log.Warn("wait loaded failed", "attempts", attempts, "err", err)
		}
		return schema.WaitLoadedResponse{Attempts: attempts}, err
	}
	log.Trace("wait loaded ok", "attempts", attempts)
	return schema.WaitLoadedResponse{Tab: tab, Attempts: attempts}, nil
}

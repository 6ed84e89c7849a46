package services

import (
	"context"
	"errors"
	"time"
)

// ErrPollingTimeout is returned when a job fails to reach a terminal snapshot
// before the stage deadline. Hard fatal; never retried.
var ErrPollingTimeout = errors.New("polling deadline exceeded")

type pollConfig struct {
	Interval time.Duration
	Deadline time.Duration
}

// pollUntil drives a submitted job to a terminal snapshot. It fetches
// immediately and then on a fixed cadence, invoking onChange only when
// stateKey differs from the previous fetch, so repeated identical statuses
// produce no duplicate notifications. The deadline is wall-clock from entry
// and independent per call; stages never share a budget.
func pollUntil[T any](
	ctx context.Context,
	cfg pollConfig,
	fetch func(context.Context) (T, error),
	isTerminal func(T) bool,
	stateKey func(T) string,
	onChange func(T),
) (T, error) {
	var zero T

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline time.Time
	if cfg.Deadline > 0 {
		deadline = time.Now().Add(cfg.Deadline)
	}

	var (
		lastKey string
		seen    bool
	)
	for {
		snapshot, err := fetch(ctx)
		if err != nil {
			return zero, err
		}

		if key := stateKey(snapshot); !seen || key != lastKey {
			seen = true
			lastKey = key
			if onChange != nil {
				onChange(snapshot)
			}
		}

		if isTerminal(snapshot) {
			return snapshot, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return zero, ErrPollingTimeout
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

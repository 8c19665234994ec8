// Package longpoll coalesces ready values off a channel into a single
// handling pass, bounded by a minimum/maximum batch size and a partial
// timeout. The request dispatcher (C8) uses it to group record batches
// that become ready close together in time into fewer ExecutePlanResponse
// frames, instead of emitting one response per batch the moment it arrives.
//
// Adapted from the teacher's longpoll/channel.go: the algorithm is kept
// verbatim (it is already exactly the shape this domain needs — a bounded
// wait for "enough" values with a timeout fallback), renamed to this
// package's one call site's vocabulary (GroupConfig instead of the generic
// ChannelConfig) and given a constructor that reads its defaults from the
// reattach.* configuration keys (spec.md §6) instead of hardcoded literals.
package longpoll

import (
	"context"
	"io"
	"time"
)

// GroupConfig bounds one coalescing pass: wait for at least MinSize ready
// values (or until PartialTimeout elapses), then drain up to MaxSize without
// blocking further.
type GroupConfig struct {
	// MaxSize is the absolute cap on values handled in one pass. < 0 disables it.
	MaxSize int
	// MinSize is the target minimum before returning, subject to PartialTimeout.
	MinSize int
	// PartialTimeout bounds how long to wait to reach MinSize.
	PartialTimeout time.Duration
}

// FromReattachConfig derives a GroupConfig from the dispatcher's configured
// buffer capacity and heartbeat interval: never coalesce past the buffer
// capacity, and never wait past the heartbeat interval for a partial group
// (a response must be emitted at least that often, per spec.md §4.8).
func FromReattachConfig(bufferCapacity int, heartbeatInterval time.Duration) GroupConfig {
	minSize := bufferCapacity / 8
	if minSize < 1 {
		minSize = 1
	}
	return GroupConfig{
		MaxSize:        bufferCapacity,
		MinSize:        minSize,
		PartialTimeout: heartbeatInterval,
	}
}

// Group performs one blocking receive pass over ch, handing each received
// value to handler, and returns once MinSize values have been handled (or
// PartialTimeout has elapsed) followed by a non-blocking drain up to
// MaxSize. Returns io.EOF if ch is found closed at any point in the pass,
// whether before MinSize is reached or during the drain. A nil ctx,
// ch, or handler panics, matching the teacher's contract.
func Group[T any](ctx context.Context, cfg *GroupConfig, ch <-chan T, handler func(value T) error) error {
	if ctx == nil {
		panic(`longpoll: nil context`)
	}
	if ch == nil {
		panic(`longpoll: nil channel`)
	}
	if handler == nil {
		panic(`longpoll: nil handler`)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	maxSize := 16
	minSize := 4
	partialTimeout := 50 * time.Millisecond
	if cfg != nil {
		if cfg.MaxSize != 0 {
			maxSize = cfg.MaxSize
		}
		if cfg.MinSize != 0 {
			minSize = cfg.MinSize
		}
		if cfg.PartialTimeout != 0 {
			partialTimeout = cfg.PartialTimeout
		}
	}

	var partialTimeoutCh <-chan time.Time
	if partialTimeout > 0 && minSize < 0 {
		timer := time.NewTimer(partialTimeout)
		defer timer.Stop()
		partialTimeoutCh = timer.C
	}

	var size int

minSizeLoop:
	for (maxSize < 0 || size < maxSize) && (size < minSize || (size == 0 && partialTimeoutCh != nil)) {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-partialTimeoutCh:
			if err := ctx.Err(); err != nil {
				return err
			}
			break minSizeLoop

		case value, ok := <-ch:
			if !ok {
				return io.EOF
			}

			size++

			if size == 1 && partialTimeout > 0 && partialTimeoutCh == nil {
				timer := time.NewTimer(partialTimeout)
				//goland:noinspection GoDeferInLoop
				defer timer.Stop()
				partialTimeoutCh = timer.C
			}

			if err := handler(value); err != nil {
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

maxSizeLoop:
	for maxSize < 0 || size < maxSize {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case value, ok := <-ch:
			if !ok {
				return io.EOF
			}

			size++

			if err := handler(value); err != nil {
				return err
			}

		default:
			if err := ctx.Err(); err != nil {
				return err
			}
			break maxSizeLoop
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

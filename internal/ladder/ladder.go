/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Generic ordered-strategy fallback executor
 */

// Package ladder implements the generic "try each strategy in order,
// record every attempt, return the first success" executor of
// spec.md §4.4's fallback-ladder paragraph. It generalizes
// mtplvcap's Configure() ("try OpenSession, on failure reset and
// retry once") from one hardcoded retry into N ordered, named rungs,
// and generalizes the teacher's usbtransport.go init sequence
// (blacklist check → detach → configure → claim → hard reset) as a
// second concrete shape the same executor can drive.
package ladder

import (
	"context"
	"time"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
)

// Rung is one strategy an op-class can attempt, in preference order.
// Run invokes the strategy; a non-nil error means this rung failed
// and the next rung (if any) should be tried.
type Rung[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Attempt records one rung's outcome for the returned attempt log,
// per spec.md §4.4 ("records its outcome and duration").
type Attempt struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Run executes rungs in order starting at startAt (policy flags may
// select a non-zero starting rung, per spec.md §4.4's "policy flags
// select a starting rung"), returning the first success's value plus
// the full attempt log. If every rung from startAt onward fails, Run
// returns the last rung's error unchanged, together with the full
// attempt log.
func Run[T any](ctx context.Context, rungs []Rung[T], startAt int) (T, []Attempt, error) {
	var zero T
	var attempts []Attempt

	if startAt < 0 {
		startAt = 0
	}
	if startAt >= len(rungs) {
		startAt = 0
	}

	var lastErr error
	for i := startAt; i < len(rungs); i++ {
		if err := ctx.Err(); err != nil {
			return zero, attempts, mtperr.New(mtperr.KindCancelled, err)
		}

		rung := rungs[i]
		started := time.Now()
		val, err := rung.Run(ctx)
		attempts = append(attempts, Attempt{
			Name:     rung.Name,
			Started:  started,
			Duration: time.Since(started),
			Err:      err,
		})

		if err == nil {
			return val, attempts, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = mtperr.New(mtperr.KindNotSupported, nil).
			WithDetail(mtperr.Detail{What: "no rungs to try"})
	}
	return zero, attempts, lastErr
}

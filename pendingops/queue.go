// Package pendingops implements the durable push queue's retry/backoff
// arithmetic and phase transitions (spec §4.5, §6). It holds no storage of
// its own: the Store persists model.PendingOperation rows, and this
// package only computes what the next attempt should look like, following
// the capped-exponential-backoff shape used elsewhere in the pack for
// retrying flaky operations.
package pendingops

import (
	"time"

	"github.com/caldavsync/engine/model"
)

// NextRetryDelay computes min(base * 2^retryCount, cap), the curve spec §6
// specifies for a failed push attempt.
func NextRetryDelay(retryCount int, base, capDur time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= capDur {
			return capDur
		}
		d *= 2
	}
	if d > capDur {
		return capDur
	}
	return d
}

// ScheduleRetry advances a failed operation's retry bookkeeping in place,
// returning false once it has exhausted MaxRetries (the caller then marks
// the operation OpStatusFailed and surfaces it to the account summary).
func ScheduleRetry(op *model.PendingOperation, now time.Time, base, capDur time.Duration) bool {
	if op.RetryCount >= op.MaxRetries {
		op.Status = model.OpStatusFailed
		return false
	}
	op.RetryCount++
	op.NextRetryAtMs = now.Add(NextRetryDelay(op.RetryCount, base, capDur)).UnixMilli()
	op.Status = model.OpStatusPending
	return true
}

// AdvanceMovePhase transitions a MOVE operation from the atomic attempt to
// the create-then-delete fallback, resetting retry bookkeeping since the
// fallback is a different operation shape and deserves its own attempt
// budget (spec §4.5 "two-phase move").
func AdvanceMovePhase(op *model.PendingOperation, now time.Time) {
	op.MovePhase = model.MovePhaseCreateThenDelete
	op.RetryCount = 0
	op.NextRetryAtMs = now.UnixMilli()
	op.Status = model.OpStatusPending
}

// NewPendingOperation builds a queue entry for a freshly-detected local
// mutation, ready to be drained immediately (spec §4.5).
func NewPendingOperation(eventID int64, op model.OpType, targetURL string, targetCalendarID *int64, now time.Time, maxRetries int) *model.PendingOperation {
	return &model.PendingOperation{
		EventID:          eventID,
		Op:               op,
		Status:           model.OpStatusPending,
		TargetURL:        targetURL,
		TargetCalendarID: targetCalendarID,
		MaxRetries:       maxRetries,
		CreatedAtMs:      now.UnixMilli(),
	}
}

// Ready filters ops to those eligible to run at now, preserving FIFO order
// (spec §4.5: "operations drain in the order they were enqueued").
func Ready(ops []*model.PendingOperation, now time.Time) []*model.PendingOperation {
	nowMs := now.UnixMilli()
	var out []*model.PendingOperation
	for _, op := range ops {
		if op.ReadyAt(nowMs) {
			out = append(out, op)
		}
	}
	return out
}

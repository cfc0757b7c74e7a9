package schedule

import (
	"time"

	"github.com/cuemby/ferry/pkg/types"
)

// FailureRetryDelay is the delay before a failed shipment is retried
const FailureRetryDelay = 60 * time.Second

// Decision says when the next shipment starts and which kind it is
type Decision struct {
	Timeout     time.Duration
	Incremental bool
}

// Immediate reports whether the shipment should start right away
func (d Decision) Immediate() bool {
	return d.Timeout <= 0
}

// Decide computes the next shipment of a schedule.
//
// lastStart is the start of the previous shipment, the zero time if there
// was none. A full window that fired since lastStart starts a full backup
// immediately; otherwise a missed incremental window starts an incremental
// backup immediately. A failed previous run that is neither skipped by the
// schedule's policy nor by forceSkip is retried after FailureRetryDelay,
// staying incremental only if the failed run was incremental.
func Decide(w *Windows, now, lastStart time.Time, lastSucceeded, forceSkip, lastIncr bool) (Decision, error) {
	now = now.Truncate(time.Second)
	skip := w.onFailure == types.OnFailureSkip || forceSkip

	nextFull := w.NextFull(now)
	if nextFull.IsZero() {
		return Decision{}, ErrNoFireTime
	}
	nextIncr, incExists := w.NextIncr(now)
	if !incExists || nextIncr.IsZero() {
		incExists = false
		nextIncr = nextFull.AddDate(1, 0, 0)
	}

	if lastStart.IsZero() {
		return earlier(nextFull, nextIncr, now), nil
	}
	if lastStart.After(now) {
		lastStart = now
	}

	failedSkip := !lastSucceeded && skip

	var d Decision
	fullOnSchedule := w.LastFull(now).Equal(w.LastFull(lastStart)) || failedSkip
	if fullOnSchedule {
		incrOnSchedule := !incExists || failedSkip
		if !incrOnSchedule {
			fromLast, _ := w.NextIncr(lastStart)
			incrOnSchedule = nextIncr.Equal(fromLast)
		}
		if incrOnSchedule {
			d = earlier(nextFull, nextIncr, now)
		} else {
			// missed an incremental window
			d = Decision{Timeout: 0, Incremental: true}
		}
	} else {
		// missed a full window
		d = Decision{Timeout: 0, Incremental: false}
	}

	if !lastSucceeded && !skip {
		d.Timeout = FailureRetryDelay
		d.Incremental = d.Incremental && lastIncr
	}
	return d, nil
}

func earlier(nextFull, nextIncr, now time.Time) Decision {
	if nextIncr.Before(nextFull) {
		return Decision{Timeout: nextIncr.Sub(now), Incremental: true}
	}
	return Decision{Timeout: nextFull.Sub(now), Incremental: false}
}

// SPDX-License-Identifier: Apache-2.0
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jllopis/pagerelay/pkg/relay"
)

// StatusSource reports relay status.
type StatusSource interface {
	Status() relay.Status
}

// RelayChecker reports the relay unhealthy once it is closed and degraded
// while requests stay pending well past their timeout.
func RelayChecker(src StatusSource) Checker {
	return CheckerFunc(func(context.Context) Result {
		st := src.Status()
		if st.Closed {
			return Result{Status: Unhealthy, Message: "relay closed", LastCheck: time.Now()}
		}
		// Requests outliving twice the timeout mean expiry sweeps are not running.
		if st.TimeoutMs > 0 && st.OldestPendingMs > 2*st.TimeoutMs {
			return Result{
				Status:    Degraded,
				Message:   fmt.Sprintf("oldest pending request is %dms old (timeout %dms)", st.OldestPendingMs, st.TimeoutMs),
				LastCheck: time.Now(),
			}
		}
		return Result{
			Status:    Healthy,
			Message:   fmt.Sprintf("%d pending, %d timed out", st.Pending, st.TimedOut),
			LastCheck: time.Now(),
		}
	})
}

// PagesChecker reports degraded while no page is connected.
func PagesChecker(src StatusSource) Checker {
	return CheckerFunc(func(context.Context) Result {
		st := src.Status()
		if st.ConnectedPages == 0 {
			return Result{Status: Degraded, Message: "no pages connected", LastCheck: time.Now()}
		}
		return Result{
			Status:    Healthy,
			Message:   fmt.Sprintf("%d pages connected", st.ConnectedPages),
			LastCheck: time.Now(),
		}
	})
}

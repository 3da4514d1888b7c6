package gitops

import (
	"context"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/cancel"
)

// watchCancel polls the cancellation source and stops the clone context on a
// positive signal. The returned flag records whether the stop was ours, so
// the caller can distinguish termination from a transport failure.
func watchCancel(ctx context.Context, stop context.CancelFunc, cancelSrc cancel.Source) *atomic.Bool {
	flag := &atomic.Bool{}
	if cancelSrc == nil {
		return flag
	}
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cancelSrc.Cancelled() {
					flag.Store(true)
					stop()
					return
				}
			}
		}
	}()
	return flag
}

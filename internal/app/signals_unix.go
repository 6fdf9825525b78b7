//go:build !windows

package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logx "termsync/pkg/logx"
)

// watchDispatchSignal queues a manual run on every SIGUSR1.
func (a *App) watchDispatchSignal(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := a.Dispatch("signal"); err != nil {
				a.log.Warn("signal run not queued", logx.Err(err))
			}
		}
	}
}

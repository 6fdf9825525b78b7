//go:build windows

package app

import "context"

// watchDispatchSignal is a no-op: there is no SIGUSR1. Use the control API.
func (a *App) watchDispatchSignal(ctx context.Context) { <-ctx.Done() }

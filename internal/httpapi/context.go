package httpapi

import (
	"context"
)

// serverBaseCtx is the process-level context canceled on shutdown. Handlers
// join it with the request context so shutdown aborts in-flight streams.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level base context. nil resets it to
// Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts derives a context canceled when either parent is done. The
// returned cancel must always be called to release the watcher.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

package httpapi

import (
	"context"

	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Options configures the routers. The zero value is usable.
type Options struct {
	// MaxBodyBytes caps JSON request bodies; defaults to 1 MiB.
	MaxBodyBytes int64
	// CORSOrigins enables CORS on the management API when non-empty.
	CORSOrigins []string
	// BaseContext is canceled on shutdown so long-lived handlers end.
	BaseContext context.Context
	Logger      zerolog.Logger
	// LogLevel is the per-request log level when no override is given.
	LogLevel LogLevel
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	return o
}

// joinContexts returns a context canceled when either a or b is done. The
// cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// Options selects and configures a backend.
type Options struct {
	Backend           string // "cli" or "api"
	Command           string
	Endpoint          string
	APIKeyEnv         string
	Timeout           time.Duration
	RequestsPerMinute int
}

// New builds the configured backend, rate limited when RequestsPerMinute is
// positive.
func New(opts Options, log *zap.Logger) (adapter.Agent, error) {
	var a adapter.Agent
	switch opts.Backend {
	case "", "cli":
		a = NewCLI(opts.Command, opts.Timeout, log)
	case "api":
		key := os.Getenv(opts.APIKeyEnv)
		if key == "" {
			return nil, errs.Withf(errs.ErrAgentAuth, "environment variable %s is not set", opts.APIKeyEnv)
		}
		a = NewAPI(opts.Endpoint, key, opts.Timeout, log)
	default:
		return nil, errs.Withf(errs.ErrConfigInvalid, "unknown agent backend %q", opts.Backend)
	}
	if opts.RequestsPerMinute > 0 {
		a = Throttle(a, opts.RequestsPerMinute)
	}
	return a, nil
}

// Throttled spaces exchanges with a token bucket.
type Throttled struct {
	inner   adapter.Agent
	limiter *rate.Limiter
}

// Throttle allows perMinute exchanges a minute with a burst of one.
func Throttle(inner adapter.Agent, perMinute int) *Throttled {
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (t *Throttled) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent exchange: %w", ctx.Err())
		}
		return nil, errs.Withf(errs.ErrRateLimited, "%v", err)
	}
	return t.inner.Send(ctx, req)
}

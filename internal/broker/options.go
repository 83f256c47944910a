package broker

import (
	"fmt"
	"time"

	"github.com/BaudehloBiz/jobber-backend/internal/engine"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
)

// Defaults applied whenever a caller omits a job option.
const (
	DefaultPriority     = 0
	DefaultRetryLimit   = 3
	DefaultRetryBackoff = true
	DefaultRetryDelay   = time.Second
)

// NormalizeOptions converts wire-level job options to engine options,
// applying defaults for every omitted field. A nil opts yields all
// defaults.
func NormalizeOptions(opts *protocol.JobOptions) (engine.SendOptions, error) {
	out := engine.SendOptions{
		Priority:     DefaultPriority,
		RetryLimit:   DefaultRetryLimit,
		RetryBackoff: DefaultRetryBackoff,
		RetryDelay:   DefaultRetryDelay,
	}
	if opts == nil {
		return out, nil
	}

	if opts.Priority != nil {
		out.Priority = *opts.Priority
	}
	if opts.StartAfter != nil {
		out.StartAfter = *opts.StartAfter
	}
	if opts.RetryLimit != nil {
		out.RetryLimit = *opts.RetryLimit
	}
	if opts.RetryDelay != nil {
		out.RetryDelay = time.Duration(*opts.RetryDelay) * time.Second
	}
	if opts.RetryBackoff != nil {
		out.RetryBackoff = *opts.RetryBackoff
	}
	out.SingletonKey = opts.SingletonKey

	if opts.ExpireIn != "" {
		d, err := time.ParseDuration(opts.ExpireIn)
		if err != nil {
			return out, fmt.Errorf("invalid expireIn %q: %w", opts.ExpireIn, err)
		}
		out.ExpireIn = d
	}

	return out, nil
}

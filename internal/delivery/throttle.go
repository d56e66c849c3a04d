package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/drip/pkg/schema"
)

// Throttle is a per-tenant fixed-window send limit kept in Redis so every
// drip process shares one budget.
type Throttle struct {
	client *redis.Client
	script *redis.Script
	limit  int
	window time.Duration
	prefix string
}

// The counter is only incremented when the send is allowed.
const throttleLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    local ttl = redis.call("PTTL", key)
    if ttl < 0 then
        ttl = window
    end
    return {0, ttl}
end

local n = redis.call("INCR", key)
if n == 1 then
    redis.call("PEXPIRE", key, window)
end
return {1, 0}
`

// NewThrottle creates a Throttle allowing perMinute sends per tenant.
func NewThrottle(client *redis.Client, perMinute int) *Throttle {
	return &Throttle{
		client: client,
		script: redis.NewScript(throttleLuaScript),
		limit:  perMinute,
		window: time.Minute,
		prefix: "drip:throttle:",
	}
}

// Acquire takes one send from tenantID's budget. When the budget is spent it
// returns a THROTTLED error whose details carry retry_after_ms.
func (t *Throttle) Acquire(ctx context.Context, tenantID string) error {
	if t == nil || t.limit <= 0 {
		return nil
	}
	res, err := t.script.Run(ctx, t.client, []string{t.prefix + tenantID}, t.limit, t.window.Milliseconds()).Int64Slice()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "send throttle: %v", err).WithCause(err)
	}
	if len(res) != 2 {
		return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("send throttle: unexpected reply %v", res))
	}
	if res[0] == 1 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeThrottled, "tenant %q exceeded %d sends per %s", tenantID, t.limit, t.window).
		WithDetails(map[string]any{"retry_after_ms": res[1]})
}

// RetryAfter extracts the wait suggested by a THROTTLED error, or zero.
func RetryAfter(err error) time.Duration {
	var de *schema.DripError
	if !errors.As(err, &de) || de.Code != schema.ErrCodeThrottled || de.Details == nil {
		return 0
	}
	switch ms := de.Details["retry_after_ms"].(type) {
	case int64:
		return time.Duration(ms) * time.Millisecond
	case int:
		return time.Duration(ms) * time.Millisecond
	case float64:
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

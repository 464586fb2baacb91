package graph

import (
	"context"
	"fmt"
	"time"
)

// nodeTimeout picks the node's own config.timeout (ms) over the engine
// default. CODE and HTTP apply config.timeout per script run or per attempt
// themselves, so only the engine default wraps them. Zero means no limit.
func nodeTimeout(node NodeConfig, defaultTimeout time.Duration) time.Duration {
	if node.Type != NodeCode && node.Type != NodeHTTP {
		if ms, ok := toNumber(node.Config["timeout"]); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs fn under the node's deadline. A result
// produced after the deadline expired is replaced by a NODE_TIMEOUT error.
func executeNodeWithTimeout(ctx context.Context, node NodeConfig, defaultTimeout time.Duration, fn func(context.Context) NodeResult) NodeResult {
	timeout := nodeTimeout(node, defaultTimeout)
	if timeout == 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := fn(timeoutCtx)
	if ctx.Err() == nil && timeoutCtx.Err() == context.DeadlineExceeded && res.Status == StatusError {
		res.Error = fmt.Sprintf("node exceeded timeout of %v", timeout)
		res.ErrorCode = CodeNodeTimeout
		res.Output = nil
	}
	return res
}

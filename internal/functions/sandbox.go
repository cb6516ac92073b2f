package functions

import (
	"context"
	"fmt"
	"time"

	"chatassistant/internal/assistants"
)

// Sandbox runs user-defined custom function code. Code is data here and is
// never evaluated in process.
type Sandbox interface {
	Run(ctx context.Context, fn assistants.Function, params []string) (any, error)
}

// StubSandbox acknowledges the call without running anything.
type StubSandbox struct {
	Now func() time.Time
}

func (s StubSandbox) Run(ctx context.Context, fn assistants.Function, params []string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ExecutionError{Function: fn.Name, Err: err}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if params == nil {
		params = []string{}
	}

	return map[string]any{
		"message":    fmt.Sprintf("Custom function %s executed successfully", fn.Name),
		"parameters": params,
		"timestamp":  now().UTC().Format(time.RFC3339Nano),
	}, nil
}

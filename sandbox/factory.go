package sandbox

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// NewExecutorForTransport creates an executor whose uncaptured output does
// not collide with the given server transport. The stdio transport owns
// stdout, so passthrough output goes to stderr there.
func NewExecutorForTransport(logger *zap.Logger, config *Config, transport string, opts ...ExecutorOption) (*Executor, error) {
	executorConfig := *config

	switch transport {
	case "stdio":
		opts = append([]ExecutorOption{WithPassthrough(os.Stderr)}, opts...)
	case "http":
		opts = append([]ExecutorOption{WithPassthrough(os.Stdout)}, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", transport)
	}

	return NewExecutor(logger, &executorConfig, opts...), nil
}

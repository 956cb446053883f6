package backend

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/config"
)

// New builds the StatusClient selected by cfg.Mode.
func New(cfg config.BackendConfig) (batch.StatusClient, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockClient(), nil
	case "http":
		return NewHTTPClient(cfg.Endpoint, time.Duration(cfg.RequestTimeout)*time.Millisecond), nil
	case "exec":
		return NewExecClient(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}

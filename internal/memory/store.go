package memory

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	APIBaseURL  string
	DatabaseURL string
}

// NewStore creates the configured backend: the HTTP API (default), postgres,
// or an in-process store for local runs.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "http":
		return NewHTTPStore(opts.APIBaseURL, nil), nil
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", opts.Backend)
	}
}

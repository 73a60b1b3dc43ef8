package tasks

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the store named by databaseURL. An empty URL means no
// persistence and returns a nil Store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return nil, nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "file:"):
		return NewSQLiteStore(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q (expected postgres://, sqlite:// or file:)", redactURL(databaseURL))
	}
}

func redactURL(raw string) string {
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			return raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return raw
}

package keys

import (
	"context"
	"fmt"
	"log/slog"
)

// Writer is the administrative surface seeding needs from a directory.
type Writer interface {
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, k APIKey) error
}

// SeedSpec describes a key created when a directory starts out empty.
type SeedSpec struct {
	Name      string `yaml:"name"`
	PerMinute int64  `yaml:"per_minute"`
	PerDay    int64  `yaml:"per_day"`
}

var DefaultSeeds = []SeedSpec{
	{Name: "Default API Key", PerMinute: 50, PerDay: 1000},
	{Name: "Limited API Key", PerMinute: 5, PerDay: 100},
}

// Seed creates one key per spec when w holds no keys yet. It returns the created keys,
// or nil when the directory was already populated.
func Seed(ctx context.Context, w Writer, specs []SeedSpec, logger *slog.Logger) ([]APIKey, error) {
	n, err := w.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}
	if n > 0 {
		logger.Info("existing api keys found, skipping seed", "count", n)
		return nil, nil
	}

	created := make([]APIKey, 0, len(specs))
	for _, s := range specs {
		k := New(s.Name, s.PerMinute, s.PerDay)
		if err := w.Create(ctx, k); err != nil {
			return created, fmt.Errorf("create seed key %q: %w", s.Name, err)
		}
		logger.Info("created seed api key",
			"name", k.Name,
			"key", k.Key,
			"per_minute", k.PerMinute,
			"per_day", k.PerDay,
		)
		created = append(created, k)
	}
	return created, nil
}

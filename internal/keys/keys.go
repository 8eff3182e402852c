// Package keys holds API key configurations and the directories that serve them.
package keys

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("api key not found")
	ErrDuplicateKey = errors.New("api key already exists")
)

const keyPrefix = "ak_"

// APIKey is the quota configuration attached to one credential.
type APIKey struct {
	ID        string    `json:"id" yaml:"id"`
	Key       string    `json:"key" yaml:"key"`
	Name      string    `json:"name" yaml:"name"`
	PerMinute int64     `json:"perMinute" yaml:"per_minute"`
	PerDay    int64     `json:"perDay" yaml:"per_day"`
	Active    bool      `json:"active" yaml:"active"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

func (k APIKey) Validate() error {
	if strings.TrimSpace(k.Key) == "" {
		return errors.New("key is required")
	}
	if k.PerMinute < 1 {
		return fmt.Errorf("key %s: per-minute limit must be at least 1, got %d", Mask(k.Key), k.PerMinute)
	}
	if k.PerDay < 1 {
		return fmt.Errorf("key %s: per-day limit must be at least 1, got %d", Mask(k.Key), k.PerDay)
	}
	return nil
}

// New builds an active key with a freshly generated credential.
func New(name string, perMinute, perDay int64) APIKey {
	return APIKey{
		ID:        uuid.NewString(),
		Key:       GenerateKey(),
		Name:      name,
		PerMinute: perMinute,
		PerDay:    perDay,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// GenerateKey returns a credential of the form ak_<16 hex chars>.
func GenerateKey() string {
	id := uuid.New()
	return keyPrefix + strings.ReplaceAll(id.String(), "-", "")[:16]
}

// Mask shortens a credential for logs.
func Mask(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:4] + "…" + key[len(key)-2:]
}

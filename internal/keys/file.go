package keys

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type fileContents struct {
	Keys []APIKey `yaml:"keys"`
}

// FileDirectory serves keys from a YAML file maintained by an operator.
// Watch reloads it whenever the file changes; a file that fails to parse
// or validate keeps the previous key set in place.
type FileDirectory struct {
	path    string
	logger  *slog.Logger
	mem     *MemoryDirectory
	reloads atomic.Int64
}

func NewFileDirectory(path string, logger *slog.Logger) (*FileDirectory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &FileDirectory{
		path:   path,
		logger: logger.With("component", "keys.file"),
		mem:    NewMemoryDirectory(),
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FileDirectory) FindActive(ctx context.Context, key string) (APIKey, error) {
	return d.mem.FindActive(ctx, key)
}

func (d *FileDirectory) Count(ctx context.Context) (int, error) {
	return d.mem.Count(ctx)
}

func (d *FileDirectory) Reloads() int64 {
	return d.reloads.Load()
}

func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read key file %q: %w", d.path, err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return fmt.Errorf("parse key file %q: %w", d.path, err)
	}

	seen := make(map[string]struct{}, len(contents.Keys))
	for _, k := range contents.Keys {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("key file %q: %w", d.path, err)
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("key file %q: %s: %w", d.path, Mask(k.Key), ErrDuplicateKey)
		}
		seen[k.Key] = struct{}{}
	}

	d.mem.replace(contents.Keys)
	d.reloads.Add(1)
	d.logger.Info("api keys loaded", "path", d.path, "count", len(contents.Keys))
	return nil
}

// Watch blocks until ctx is done, reloading the key file on every change.
func (d *FileDirectory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent so atomic rename-into-place by editors is seen.
	dir := filepath.Dir(d.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	target := filepath.Clean(d.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := d.Reload(); err != nil {
				d.logger.Warn("key file reload failed, keeping previous keys", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			d.logger.Warn("key file watcher error", "error", err)
		}
	}
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads admission policies from .rego and .json files.
type Loader struct {
	logger  zerolog.Logger
	cache   map[string]*Policy
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// loadFromDirectory loads all policy files from a directory
// recursively. A file that fails to parse is logged and skipped.
func (l *Loader) loadFromDirectory(_ context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		policy, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policy = l.parseRegoFile(filePath, data)
	case strings.HasSuffix(filePath, ".json"):
		policy, err = parseJSONPolicy(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

// parseRegoFile wraps a bare .rego file in a Policy. File-based
// policies default to warning severity; a JSON definition is required
// to ship a blocking policy.
func (l *Loader) parseRegoFile(filePath string, data []byte) *Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), ".rego")

	return &Policy{
		Name:        name,
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func parseJSONPolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("policy definition missing name")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("policy %s missing rego source", policy.Name)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now()
	}

	return &policy, nil
}

// extractDescription collects the leading comment block of a Rego
// file.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" && !strings.HasPrefix(comment, "package") {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			break
		}
	}

	return description.String()
}

// Watch starts watching paths for policy changes and calls reloadFn
// with the full reloaded set after each change, debounced.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if l.watcher != nil {
				_ = l.watcher.Close()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache discards all cached policy files.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Policy)
}

package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

// StoreOptions configures a template store.
type StoreOptions struct {
	// Path is a template YAML file or a directory of them.
	Path   string
	Logger zerolog.Logger
}

// Store loads templates from YAML configuration and serves them from
// an in-memory cache. Watch invalidates the cache when the files
// change, so template edits take effect without a restart. Templates
// are immutable once served; request processing never writes back.
type Store struct {
	path     string
	log      zerolog.Logger
	validate *validator.Validate

	mu      sync.RWMutex
	cache   map[string]*domain.Template
	loaded  bool
	watcher *fsnotify.Watcher
}

// NewStore creates a Store reading from path. Templates load lazily on
// first access; call Reload to fail fast at startup instead.
func NewStore(opts StoreOptions) *Store {
	return &Store{
		path:     opts.Path,
		log:      opts.Logger.With().Str("component", "template-store").Logger(),
		validate: validator.New(),
		cache:    make(map[string]*domain.Template),
	}
}

// templateFile is one YAML document: either a list under "templates"
// or a single template at the top level.
type templateFile struct {
	Templates []*domain.Template `yaml:"templates"`
}

// Get returns a template by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Template, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.cache[id]
	if !ok {
		return nil, engine.Permanent(engine.CodeTemplateNotFound,
			fmt.Sprintf("template %s is not configured", id), nil)
	}
	return tpl, nil
}

// List returns every configured template.
func (s *Store) List(ctx context.Context) ([]*domain.Template, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Template, 0, len(s.cache))
	for _, tpl := range s.cache {
		out = append(out, tpl)
	}
	return out, nil
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Reload(ctx)
}

// Reload re-reads every template from disk, replacing the cache
// atomically. A load error leaves the previous cache in place.
func (s *Store) Reload(_ context.Context) error {
	fresh, err := s.loadAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = fresh
	s.loaded = true
	s.mu.Unlock()

	s.log.Info().Int("templates", len(fresh)).Str("path", s.path).Msg("Templates loaded")
	return nil
}

func (s *Store) loadAll() (map[string]*domain.Template, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat template path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(s.path, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isTemplateFile(path) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk template directory: %w", err)
		}
	} else {
		files = []string{s.path}
	}

	out := make(map[string]*domain.Template)
	for _, file := range files {
		templates, err := s.loadFile(file)
		if err != nil {
			return nil, err
		}
		for _, tpl := range templates {
			if _, dup := out[tpl.ID]; dup {
				return nil, fmt.Errorf("template %s declared more than once", tpl.ID)
			}
			out[tpl.ID] = tpl
		}
	}
	return out, nil
}

func (s *Store) loadFile(path string) ([]*domain.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}

	var doc templateFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	templates := doc.Templates
	if len(templates) == 0 {
		var single domain.Template
		if err := yaml.Unmarshal(data, &single); err == nil && single.ID != "" {
			templates = []*domain.Template{&single}
		}
	}

	for _, tpl := range templates {
		if err := s.validate.Struct(tpl); err != nil {
			return nil, fmt.Errorf("template %s in %s: %w", tpl.ID, path, err)
		}
		if err := tpl.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return templates, nil
}

// Watch invalidates the cache when template files change. Events are
// debounced so an editor writing multiple times triggers one reload.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	s.watcher = watcher

	go s.processEvents(ctx)
	s.log.Info().Str("path", s.path).Msg("Watching template path")
	return nil
}

func (s *Store) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isTemplateFile(event.Name) && event.Name != s.path {
				continue
			}
			s.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Template file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Reload(ctx); err != nil {
					s.log.Error().Err(err).Msg("Template reload failed, keeping previous cache")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("Template watcher error")
		}
	}
}

func isTemplateFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

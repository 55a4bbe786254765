// Package registry maps language names to their runners and owns the
// lifecycle of all of them at once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
)

var ErrNoRunners = errors.New("registry: no language runner could be initialized")

// Status is one language's entry in a health report.
type Status struct {
	Language  string             `json:"language"`
	Aliases   []string           `json:"aliases,omitempty"`
	Available bool               `json:"available"`
	Stats     executor.PoolStats `json:"stats"`
}

type entry struct {
	runner  executor.Runner
	aliases []string
}

// Registry manages the runners for every configured language.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	aliases map[string]string
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// Add registers runner under name and its aliases. Names are matched
// case-insensitively.
func (r *Registry) Add(name string, aliases []string, runner executor.Runner) error {
	name = normalize(name)
	if name == "" {
		return fmt.Errorf("registry: language name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("registry: language %q already registered", name)
	}

	e := &entry{runner: runner}
	for _, a := range aliases {
		a = normalize(a)
		if a == "" || a == name {
			continue
		}
		r.aliases[a] = name
		e.aliases = append(e.aliases, a)
	}
	r.entries[name] = e
	return nil
}

// Initialize starts every runner concurrently. A runner that fails is logged,
// shut down and dropped; the others are unaffected. Survivors are warmed up
// before Initialize returns.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.RLock()
	names := r.names()
	runners := make(map[string]executor.Runner, len(names))
	for _, name := range names {
		runners[name] = r.entries[name].runner
	}
	r.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for name, runner := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Initialize(ctx); err != nil {
				r.logger.Error("failed to initialize runner",
					slog.String("language", name),
					slog.String("error", err.Error()),
				)
				if serr := runner.Shutdown(ctx); serr != nil {
					r.logger.Warn("failed to shut down runner", slog.String("language", name), slog.String("error", serr.Error()))
				}
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
				return
			}
			runner.Warmup(ctx)
			r.logger.Info("runner ready", slog.String("language", name))
		}()
	}
	wg.Wait()

	r.mu.Lock()
	for _, name := range failed {
		r.remove(name)
	}
	remaining := len(r.entries)
	r.mu.Unlock()

	if len(runners) > 0 && remaining == 0 {
		return ErrNoRunners
	}
	r.logger.Info("runner registry initialized",
		slog.Int("languages", remaining),
		slog.Int("failed", len(failed)),
	)
	return nil
}

// Runner resolves a language name or alias to a runner that can take work.
func (r *Registry) Runner(language string) (executor.Runner, error) {
	r.mu.RLock()
	e, ok := r.entries[r.resolve(language)]
	r.mu.RUnlock()

	if !ok {
		return nil, apperror.UnsupportedLanguage(language, r.Languages())
	}
	if !e.runner.IsAvailable() {
		return nil, apperror.RunnerUnavailable(language)
	}
	return e.runner, nil
}

// Normalize maps a name or alias to the canonical language name. Unknown
// names come back lower-cased and trimmed.
func (r *Registry) Normalize(language string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(language)
}

// Languages lists every registered language, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

// Available lists the languages whose runner currently has a healthy worker.
func (r *Registry) Available() []string {
	var out []string
	for _, st := range r.Status() {
		if st.Available {
			out = append(out, st.Language)
		}
	}
	return out
}

func (r *Registry) Status() []Status {
	r.mu.RLock()
	names := r.names()
	entries := make([]*entry, len(names))
	for i, name := range names {
		entries[i] = r.entries[name]
	}
	r.mu.RUnlock()

	out := make([]Status, len(names))
	for i, e := range entries {
		out[i] = Status{
			Language:  names[i],
			Aliases:   e.aliases,
			Available: e.runner.IsAvailable(),
			Stats:     e.runner.Stats(),
		}
	}
	return out
}

// Shutdown stops every runner concurrently and empties the registry. All
// runners are given the chance to stop even if some fail.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.aliases = make(map[string]string)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.runner.Shutdown(ctx); err != nil {
				r.logger.Error("failed to shut down runner", slog.String("language", name), slog.String("error", err.Error()))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	r.logger.Info("runner registry shut down", slog.Int("languages", len(entries)))
	return errors.Join(errs...)
}

// The helpers below expect r.mu to be held.

func (r *Registry) resolve(language string) string {
	name := normalize(language)
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) remove(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	delete(r.entries, name)
	for _, a := range e.aliases {
		delete(r.aliases, a)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"support-agent/internal/usecase"
)

// Config is the executor routing document stored under
// <prefix>/config/executors.
type Config struct {
	Executors []Definition `yaml:"executors"`
}

// Definition routes one executor name to its HTTP endpoint.
type Definition struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParseConfig decodes and validates a routing document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("executor: decode config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Executors))
	for i, def := range cfg.Executors {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return Config{}, fmt.Errorf("executor: entry %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return Config{}, fmt.Errorf("executor: duplicate name %q", name)
		}
		seen[name] = struct{}{}
		u, err := url.Parse(strings.TrimSpace(def.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("executor: %s: url %q is not an http(s) URL", name, def.URL)
		}
		cfg.Executors[i].Name = name
	}
	return cfg, nil
}

// Registry maps executor names to executors.
type Registry struct {
	executors map[string]usecase.Executor
}

func NewRegistry(cfg Config) (*Registry, error) {
	r := &Registry{executors: make(map[string]usecase.Executor, len(cfg.Executors))}
	for _, def := range cfg.Executors {
		exec, err := NewHTTPExecutor(def)
		if err != nil {
			return nil, err
		}
		r.executors[def.Name] = exec
	}
	return r, nil
}

// Load reads the routing document from the parameter store.
func Load(ctx context.Context, getter Getter, paramPrefix string) (*Registry, error) {
	if getter == nil {
		return nil, errors.New("executor: paramstore getter must not be nil")
	}
	name := strings.TrimRight(strings.TrimSpace(paramPrefix), "/") + "/config/executors"
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("executor: fetch %s: %w", name, err)
	}
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		return nil, err
	}
	return NewRegistry(cfg)
}

// Register adds or replaces an executor.
func (r *Registry) Register(name string, exec usecase.Executor) {
	r.executors[name] = exec
}

func (r *Registry) Executor(name string) (usecase.Executor, bool) {
	exec, ok := r.executors[strings.TrimSpace(name)]
	return exec, ok
}

// Names lists the configured executors in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

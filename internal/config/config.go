// Package config loads and watches relay gateway definitions.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// GatewayDefinition represents a complete gateway configuration: where
// updates come from, how they are ordered, and where each category
// goes.
type GatewayDefinition struct {
	Name          string                `yaml:"name"`
	Mode          string                `yaml:"mode,omitempty"`    // "ordered" (default) or "unordered"
	MaxHold       string                `yaml:"maxHold,omitempty"` // e.g. "3s"
	Source        SourceConfig          `yaml:"source"`
	Classifier    *ClassifierConfig     `yaml:"classifier,omitempty"`
	Routes        map[string]SinkConfig `yaml:"routes"`
	Fallback      *SinkConfig           `yaml:"fallback,omitempty"`
	ErrorHandling ErrorHandlingConfig   `yaml:"errorHandling,omitempty"`
}

// SourceConfig holds source configuration.
type SourceConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// ClassifierConfig selects how updates map to route keys. Without one,
// the explicit kind tag is used.
type ClassifierConfig struct {
	Type  string `yaml:"type"`            // "kind" (default), "command", "cel"
	Field string `yaml:"field,omitempty"` // for "command"
	CEL   string `yaml:"cel,omitempty"`   // for "cel"
}

// SinkConfig holds sink configuration for one route target.
type SinkConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config,omitempty"`
}

// ErrorHandlingConfig holds error handling configuration.
type ErrorHandlingConfig struct {
	DeadLetterTopic string `yaml:"deadLetterTopic,omitempty"`
}

// Validate checks the definition for structural errors.
func (d *GatewayDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("gateway definition missing 'name'")
	}
	switch d.Mode {
	case "", "ordered", "unordered":
	default:
		return fmt.Errorf("gateway %s: mode %q is not valid (must be ordered or unordered)", d.Name, d.Mode)
	}
	if d.Source.Type == "" {
		return fmt.Errorf("gateway %s: source.type is required", d.Name)
	}
	if len(d.Routes) == 0 && d.Fallback == nil {
		return fmt.Errorf("gateway %s: at least one route or a fallback is required", d.Name)
	}
	return nil
}

// Loader loads and watches gateway definition files.
type Loader struct {
	mu       sync.RWMutex
	gateways map[string]*GatewayDefinition
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*GatewayDefinition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		gateways: make(map[string]*GatewayDefinition),
		dir:      dir,
		logger:   logger,
	}
}

// OnChange registers a callback that fires when config files change.
func (l *Loader) OnChange(fn func(map[string]*GatewayDefinition)) {
	l.onChange = fn
}

// Load reads all YAML files from the configured directory.
func (l *Loader) Load() (map[string]*GatewayDefinition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	gateways := make(map[string]*GatewayDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		def, err := l.loadFile(path)
		if err != nil {
			l.logger.Error("failed to load config file", "path", path, "error", err)
			continue
		}
		gateways[def.Name] = def
	}

	l.mu.Lock()
	l.gateways = gateways
	l.mu.Unlock()

	return gateways, nil
}

// Watch starts watching the config directory for changes. Blocks until
// done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
				gateways, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload config", "error", err)
					continue
				}
				if l.onChange != nil {
					l.onChange(gateways)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// GetGateways returns a copy of the currently loaded definitions.
func (l *Loader) GetGateways() map[string]*GatewayDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	gateways := make(map[string]*GatewayDefinition, len(l.gateways))
	for k, v := range l.gateways {
		gateways[k] = v
	}
	return gateways
}

func (l *Loader) loadFile(path string) (*GatewayDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def GatewayDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

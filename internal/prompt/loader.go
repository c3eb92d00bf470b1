// Package prompt loads the decision prompt templates and renders them
// with the cycle's portfolio and market context.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"alphapilot/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Template is one system/user prompt pair. The user part is a Go
// text/template rendered against Data.
type Template struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type templateFile struct {
	Daily    Template `yaml:"daily"`
	Research Template `yaml:"research"`
}

// Data is what templates may reference.
type Data struct {
	Portfolio         string
	Market            string
	MaxPositionPct    float64
	StopLossPct       float64
	CircuitBreakerPct float64
}

// Loader serves the current templates and hot-reloads them when the
// file changes on disk. A missing file falls back to the built-in
// defaults.
type Loader struct {
	mu      sync.RWMutex
	path    string
	current templateFile
}

func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: strings.TrimSpace(path), current: defaultTemplates()}
	if l.path == "" {
		return l, nil
	}
	if err := l.reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("prompt: %s not found, using built-in templates", l.path)
			return l, nil
		}
		return nil, err
	}
	return l, nil
}

func (l *Loader) reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing prompt templates failed (%s): %w", l.path, err)
	}
	defaults := defaultTemplates()
	if strings.TrimSpace(file.Daily.User) == "" {
		file.Daily = defaults.Daily
	}
	if strings.TrimSpace(file.Research.User) == "" {
		file.Research = defaults.Research
	}
	l.mu.Lock()
	l.current = file
	l.mu.Unlock()
	return nil
}

// Watch reloads templates on file writes until stop is closed.
func (l *Loader) Watch(stop <-chan struct{}) error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.reload(); err != nil {
					logger.Errorf("prompt: reload failed: %v", err)
					continue
				}
				logger.Infof("prompt: templates reloaded from %s", l.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("prompt: watcher error: %v", err)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (l *Loader) Daily() Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Daily
}

func (l *Loader) Research() Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Research
}

// Render executes the user template against data; the system prompt is
// passed through untouched.
func Render(tmpl Template, data Data) (system, user string, err error) {
	funcs := template.FuncMap{
		"mulPct": func(f float64) float64 { return f * 100 },
	}
	t, err := template.New("user").Funcs(funcs).Parse(tmpl.User)
	if err != nil {
		return "", "", fmt.Errorf("parsing user prompt template failed: %w", err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("rendering user prompt failed: %w", err)
	}
	return tmpl.System, sb.String(), nil
}

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
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// ruleFileVersion is the only supported rule file version.
const ruleFileVersion = 1

const reloadDelay = 500 * time.Millisecond

// ruleFile is the on-disk shape of a YAML or JSON rule file.
type ruleFile struct {
	Version int        `yaml:"version" json:"version" validate:"eq=1"`
	Rules   []ruleSpec `yaml:"rules" json:"rules" validate:"dive"`
}

type ruleSpec struct {
	ID                  string                 `yaml:"id" json:"id" validate:"required"`
	Name                string                 `yaml:"name" json:"name"`
	Description         string                 `yaml:"description" json:"description"`
	Category            Category               `yaml:"category" json:"category" validate:"omitempty,oneof=security cost compliance governance performance backup"`
	Severity            string                 `yaml:"severity" json:"severity" validate:"required,oneof=info warning critical"`
	Enabled             *bool                  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Targets             Targets                `yaml:"targets" json:"targets"`
	AutoRemediable      bool                   `yaml:"auto_remediable" json:"auto_remediable"`
	Remediation         *engine.ActionTemplate `yaml:"remediation,omitempty" json:"remediation,omitempty"`
	NotificationEnabled *bool                  `yaml:"notification_enabled,omitempty" json:"notification_enabled,omitempty"`
	Message             string                 `yaml:"message" json:"message"`
	Rego                string                 `yaml:"rego" json:"rego" validate:"required_without=Starlark,excluded_with=Starlark"`
	Starlark            string                 `yaml:"starlark" json:"starlark"`
}

// Loader loads rules from .yaml, .yml, .json and .rego files.
type Loader struct {
	logger   zerolog.Logger
	validate *validator.Validate
	cache    map[string][]Rule
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
}

// NewLoader creates a new rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		validate: validator.New(),
		cache:    make(map[string][]Rule),
	}
}

// LoadFromPaths loads rules from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Rule, error) {
	var all []Rule

	for _, path := range paths {
		rules, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, rules...)
	}

	seen := make(map[string]string, len(all))
	for _, r := range all {
		if prev, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %s in %s and %s", r.ID, prev, r.Source)
		}
		seen[r.ID] = r.Source
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Rules loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	return l.LoadFile(ctx, path)
}

// loadFromDirectory loads every rule file under a directory. Broken files
// fail the load so a typo never silently drops a rule.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Rule, error) {
	var rules []Rule

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleFile(path) {
			return nil
		}

		loaded, err := l.LoadFile(ctx, path)
		if err != nil {
			return err
		}
		rules = append(rules, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return rules, nil
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".rego":
		return true
	}
	return false
}

// LoadFile loads the rules defined in one file.
func (l *Loader) LoadFile(ctx context.Context, filePath string) ([]Rule, error) {
	l.mu.RLock()
	if cached, ok := l.cache[filePath]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rules []Rule
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".rego":
		var rule *Rule
		rule, err = l.parseRegoFile(ctx, filePath, data)
		if rule != nil {
			rules = []Rule{*rule}
		}
	case ".json":
		var rf ruleFile
		if err = json.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rule file %s: %w", filePath, err)
		}
		rules, err = l.buildRules(ctx, filePath, &rf)
	case ".yaml", ".yml":
		var rf ruleFile
		if err = yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse YAML rule file %s: %w", filePath, err)
		}
		rules, err = l.buildRules(ctx, filePath, &rf)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[filePath] = rules
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Int("rules", len(rules)).
		Msg("Rules loaded from file")

	return rules, nil
}

func (l *Loader) buildRules(ctx context.Context, source string, rf *ruleFile) ([]Rule, error) {
	if rf.Version != ruleFileVersion {
		return nil, fmt.Errorf("%s: unsupported rule file version %d", source, rf.Version)
	}
	if err := l.validate.Struct(rf); err != nil {
		return nil, fmt.Errorf("%s: invalid rule file: %w", source, err)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, spec := range rf.Rules {
		rule := Rule{
			ID:                  spec.ID,
			Name:                spec.Name,
			Description:         spec.Description,
			Category:            spec.Category,
			Severity:            engine.Severity(spec.Severity),
			Enabled:             spec.Enabled == nil || *spec.Enabled,
			Targets:             spec.Targets,
			AutoRemediable:      spec.AutoRemediable,
			Remediation:         spec.Remediation,
			NotificationEnabled: spec.NotificationEnabled == nil || *spec.NotificationEnabled,
			Message:             spec.Message,
			Source:              source,
		}

		if spec.Rego != "" {
			pred, err := NewRegoPredicate(ctx, spec.ID+".rego", spec.Rego)
			if err != nil {
				return nil, fmt.Errorf("%s: rule %s: %w", source, spec.ID, err)
			}
			rule.Predicate = pred
		} else {
			pred := NewStarlarkExpr(spec.ID, spec.Starlark)
			if err := pred.Check(); err != nil {
				return nil, fmt.Errorf("%s: rule %s: %w", source, spec.ID, err)
			}
			rule.Predicate = pred
		}

		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// parseRegoFile turns a raw .rego module into a rule. The rule id is the
// file name; leading comments provide the description and optional
// "severity:" and "category:" directives.
func (l *Loader) parseRegoFile(ctx context.Context, filePath string, data []byte) (*Rule, error) {
	id := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))

	pred, err := NewRegoPredicate(ctx, filepath.Base(filePath), string(data))
	if err != nil {
		return nil, err
	}

	rule := &Rule{
		ID:                  id,
		Name:                id,
		Severity:            engine.SeverityWarning,
		Enabled:             true,
		NotificationEnabled: true,
		Predicate:           pred,
		Source:              filePath,
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		switch {
		case strings.HasPrefix(comment, "severity:"):
			sev, err := engine.ParseSeverity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:")))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", filePath, err)
			}
			rule.Severity = sev
		case strings.HasPrefix(comment, "category:"):
			rule.Category = Category(strings.TrimSpace(strings.TrimPrefix(comment, "category:")))
		case comment != "":
			description = append(description, comment)
		}
	}
	rule.Description = strings.Join(description, " ")

	return rule, nil
}

// Watch starts watching paths and calls reloadFn with the full rule list
// after changes settle.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Rule) error) error {
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

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching rule paths")

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

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Rule) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isRuleFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Rule file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload rules, keeping previous set")
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

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Rule) error) error {
	rules, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload rules: %w", err)
	}
	if err := reloadFn(rules); err != nil {
		return fmt.Errorf("failed to apply reloaded rules: %w", err)
	}

	l.logger.Info().
		Int("count", len(rules)).
		Msg("Rules reloaded")

	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache clears the parsed-rule cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string][]Rule)
}

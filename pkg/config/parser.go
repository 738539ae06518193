package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Format is a configuration source format.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported configuration file type: %s", path)
	}
}

// Parser turns configuration sources into validated Configs. Every source
// is unified with the built-in #Config schema, which supplies defaults and
// rejects unknown fields, and the result is checked with struct validation.
type Parser struct {
	registry *SchemaRegistry
	validate *validator.Validate

	// CUE contexts are not safe for concurrent use.
	mu sync.Mutex
}

// NewParser creates a new parser.
func NewParser() *Parser {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Parser{
		registry: NewSchemaRegistry(),
		validate: v,
	}
}

// Load reads and parses a configuration file.
func (p *Parser) Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return p.Parse(path, data, format)
}

// Parse parses one configuration document. name is used in error positions.
func (p *Parser) Parse(name string, data []byte, format Format) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, err := p.compile(name, data, format)
	if err != nil {
		return nil, err
	}

	unified, err := p.registry.Unify(SchemaConfig, src)
	if err != nil {
		return nil, convertCUEErrors(name, err)
	}

	// The unified value is concrete JSON, which is valid YAML.
	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}

	if err := p.check(name, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration of an empty document.
func (p *Parser) Default() *Config {
	cfg, err := p.Parse("default", nil, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate checks an in-memory configuration, such as one modified after
// parsing.
func (p *Parser) Validate(cfg *Config) error {
	return p.check("", cfg)
}

func (p *Parser) compile(name string, data []byte, format Format) (cue.Value, error) {
	ctx := p.registry.Context()

	switch format {
	case FormatCUE:
		val := ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(name, err)
		}
		return val, nil

	case FormatYAML, FormatJSON:
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cue.Value{}, ValidationErrors{{File: name, Message: err.Error()}}
		}
		if doc == nil {
			doc = map[string]any{}
		}
		val := ctx.Encode(doc)
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(name, err)
		}
		return val, nil

	default:
		return cue.Value{}, fmt.Errorf("unsupported configuration format %q", format)
	}
}

// check runs the struct and cross-field validation the schema cannot
// express.
func (p *Parser) check(name string, cfg *Config) error {
	var errs ValidationErrors

	if err := p.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				File:    name,
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
			})
		}
	}

	seen := make(map[string]int, len(cfg.Scopes))
	for i, sc := range cfg.Scopes {
		key := sc.Scope().String()
		if j, dup := seen[key]; dup {
			errs = append(errs, ValidationError{
				File:    name,
				Path:    fmt.Sprintf("scopes[%d]", i),
				Message: fmt.Sprintf("duplicate of scopes[%d] (%s)", j, key),
			})
			continue
		}
		seen[key] = i
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func convertCUEErrors(name string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    name,
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == name {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{File: name, Message: err.Error()}}
	}
	return out
}

// Scope returns the engine scope.
func (s ScopeConfig) Scope() engine.Scope {
	return engine.Scope{Provider: s.Provider, Account: s.Account, Region: s.Region}
}

var (
	defaultParser     *Parser
	defaultParserOnce sync.Once
)

func sharedParser() *Parser {
	defaultParserOnce.Do(func() { defaultParser = NewParser() })
	return defaultParser
}

// Load reads and parses a configuration file with a shared parser.
func Load(path string) (*Config, error) {
	return sharedParser().Load(path)
}

// Default returns the default configuration.
func Default() *Config {
	return sharedParser().Default()
}

package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds named CUE schemas.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema); err != nil {
		panic(fmt.Sprintf("built-in config schema: %v", err))
	}
	return sr
}

// SchemaConfig is the name of the built-in configuration schema.
const SchemaConfig = "config"

// RegisterSchema compiles a schema and registers its root definition, such
// as "#Config", under name. Values are unified with the root definition.
func (sr *SchemaRegistry) RegisterSchema(name, root, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(root))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, root)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema returns the definition of a schema.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context the schemas were compiled in. Values
// unified with them must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Unify unifies val with a schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data any) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(name, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinConfigSchema is the single source of configuration defaults.
const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
#Severity: "info" | "warning" | "critical"

#Config: {
	reconcile: {
		pollInterval:           #Duration | *"5m"
		passTimeout:            #Duration | *"2m"
		maxConcurrentScopes:    int & >=1 & <=256 | *4
		autoRemediationEnabled: bool | *true
	}

	remediation: {
		maxRetries:           int & >=1 & <=50 | *5
		initialBackoff:       #Duration | *"500ms"
		maxBackoff:           #Duration | *"30s"
		applyRatePerSecond:   number & >=0 | *5
		applyBurst:           int & >=1 | *5
		flapThreshold:        int & >=1 | *3
		maxConcurrentActions: int & >=1 | *4
	}

	cost: {
		source:          "none" | "fixtures" | "aws" | *"none"
		fixtures:        string | *""
		awsProfile:      string | *""
		groupBy:         "SERVICE" | "RESOURCE_ID" | *"SERVICE"
		zScoreThreshold: number & >0 | *3
		window:          #Duration | *"336h"
		minHistory:      int & >=1 | *7
		minStdDevRatio:  number & >=0 | *0.01
		lookback:        #Duration | *"720h"
	}

	drift: {
		severityMap: {
			[string]:     #Severity
			instanceType: #Severity | *"warning"
			public:       #Severity | *"critical"
			encryption:   #Severity | *"critical"
			iamPolicy:    #Severity | *"critical"
			tags:         #Severity | *"info"
		}
		defaultSeverity:   #Severity | *"warning"
		unmanagedSeverity: #Severity | *"warning"
		deletedSeverity:   #Severity | *"critical"
		floatTolerance:    number & >=0 | *1e-9
		orderedPaths: [...string] | *[]
	}

	scopes: [...#Scope] | *[]

	policies: {
		builtin: bool | *true
		paths: [...string] | *[]
		disabled: [...string] | *[]
		watch: bool | *false
		requiredTags: [...string] | *["owner"]
		defaultOwner: string | *"unassigned"
	}

	adapters: {
		fixtures: string | *""
		plugins: [...string] | *[]
	}

	store: {
		driver: "memory" | "sqlite" | *"memory"
		path:   string | *""
	}

	telemetry: {
		environment:     string | *"development"
		logLevel:        "trace" | "debug" | "info" | "warn" | "error" | *"info"
		logFormat:       "json" | "console" | *"console"
		metricsEnabled:  bool | *false
		metricsAddress:  string | *":9090"
		tracingEnabled:  bool | *false
		tracingExporter: "otlp" | "stdout" | "none" | *"none"
		tracingEndpoint: string | *"localhost:4317"
		samplingRate:    number & >=0 & <=1 | *1
		eventBuffer:     int & >=1 | *1000
	}
}

#Scope: {
	provider:      string & !=""
	account:       string & !=""
	region:        string & !=""
	pollInterval?: #Duration
}
`

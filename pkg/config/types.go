package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the reconciler configuration.
type Config struct {
	// Reconcile configures the pass scheduler.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Remediation configures the remediation orchestrator.
	Remediation RemediationConfig `yaml:"remediation"`

	// Cost configures the cost anomaly detector and its data source.
	Cost CostConfig `yaml:"cost"`

	// Drift configures the drift detector.
	Drift DriftConfig `yaml:"drift"`

	// Scopes are the provider/account/region triples reconciled periodically.
	Scopes []ScopeConfig `yaml:"scopes" validate:"dive"`

	// Policies configures rule loading.
	Policies PolicyConfig `yaml:"policies"`

	// Adapters configures the Cloud Adapters.
	Adapters AdaptersConfig `yaml:"adapters"`

	// Store configures persistence.
	Store StoreConfig `yaml:"store"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ReconcileConfig configures the pass scheduler.
type ReconcileConfig struct {
	PollInterval           Duration `yaml:"pollInterval" validate:"gt=0"`
	PassTimeout            Duration `yaml:"passTimeout" validate:"gte=0"`
	MaxConcurrentScopes    int      `yaml:"maxConcurrentScopes" validate:"gte=1,lte=256"`
	AutoRemediationEnabled bool     `yaml:"autoRemediationEnabled"`
}

// RemediationConfig configures retries, throttling and flap handling.
type RemediationConfig struct {
	MaxRetries           int      `yaml:"maxRetries" validate:"gte=1,lte=50"`
	InitialBackoff       Duration `yaml:"initialBackoff" validate:"gt=0"`
	MaxBackoff           Duration `yaml:"maxBackoff" validate:"gtefield=InitialBackoff"`
	ApplyRatePerSecond   float64  `yaml:"applyRatePerSecond" validate:"gte=0"`
	ApplyBurst           int      `yaml:"applyBurst" validate:"gte=1"`
	FlapThreshold        int      `yaml:"flapThreshold" validate:"gte=1"`
	MaxConcurrentActions int      `yaml:"maxConcurrentActions" validate:"gte=1"`
}

// CostConfig configures cost anomaly detection.
type CostConfig struct {
	// Source selects the spend source: none, fixtures or aws.
	Source string `yaml:"source" validate:"oneof=none fixtures aws"`

	// Fixtures is the series file read by the fixtures source.
	Fixtures string `yaml:"fixtures" validate:"required_if=Source fixtures"`

	// AWSProfile is the shared-config profile of the aws source.
	AWSProfile string `yaml:"awsProfile"`

	// GroupBy is the Cost Explorer dimension: SERVICE or RESOURCE_ID.
	GroupBy string `yaml:"groupBy" validate:"oneof=SERVICE RESOURCE_ID"`

	ZScoreThreshold float64  `yaml:"zScoreThreshold" validate:"gt=0"`
	Window          Duration `yaml:"window" validate:"gte=0"`
	MinHistory      int      `yaml:"minHistory" validate:"gte=1"`
	MinStdDevRatio  float64  `yaml:"minStdDevRatio" validate:"gte=0"`
	Lookback        Duration `yaml:"lookback" validate:"gt=0"`
}

// DriftConfig configures drift classification.
type DriftConfig struct {
	SeverityMap       map[string]string `yaml:"severityMap" validate:"dive,keys,required,endkeys,oneof=info warning critical"`
	DefaultSeverity   string            `yaml:"defaultSeverity" validate:"oneof=info warning critical"`
	UnmanagedSeverity string            `yaml:"unmanagedSeverity" validate:"oneof=info warning critical"`
	DeletedSeverity   string            `yaml:"deletedSeverity" validate:"oneof=info warning critical"`
	FloatTolerance    float64           `yaml:"floatTolerance" validate:"gte=0"`
	OrderedPaths      []string          `yaml:"orderedPaths"`
}

// ScopeConfig is one reconciled scope.
type ScopeConfig struct {
	Provider     string   `yaml:"provider" validate:"required"`
	Account      string   `yaml:"account" validate:"required"`
	Region       string   `yaml:"region" validate:"required"`
	PollInterval Duration `yaml:"pollInterval,omitempty" validate:"gte=0"`
}

// PolicyConfig configures where rules come from.
type PolicyConfig struct {
	// Builtin enables the built-in rules.
	Builtin bool `yaml:"builtin"`

	// Paths are rule files or directories.
	Paths []string `yaml:"paths"`

	// Disabled lists rule ids that are loaded but never evaluated.
	Disabled []string `yaml:"disabled"`

	// Watch reloads rules when files under Paths change.
	Watch bool `yaml:"watch"`

	// RequiredTags parameterizes the required-tags rule.
	RequiredTags []string `yaml:"requiredTags"`

	// DefaultOwner is written by the required-tags remediation.
	DefaultOwner string `yaml:"defaultOwner"`
}

// AdaptersConfig configures the Cloud Adapters.
type AdaptersConfig struct {
	// Fixtures is a resource file served by in-memory adapters.
	Fixtures string `yaml:"fixtures"`

	// Plugins are WebAssembly adapter manifests.
	Plugins []string `yaml:"plugins"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	Environment     string  `yaml:"environment"`
	LogLevel        string  `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	LogFormat       string  `yaml:"logFormat" validate:"oneof=json console"`
	MetricsEnabled  bool    `yaml:"metricsEnabled"`
	MetricsAddress  string  `yaml:"metricsAddress" validate:"required_if=MetricsEnabled true"`
	TracingEnabled  bool    `yaml:"tracingEnabled"`
	TracingExporter string  `yaml:"tracingExporter" validate:"oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracingEndpoint"`
	SamplingRate    float64 `yaml:"samplingRate" validate:"gte=0,lte=1"`
	EventBuffer     int     `yaml:"eventBuffer" validate:"gte=1"`
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "5m").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ValidationError is one problem found in a configuration source.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem, when known.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the offending configuration path.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is the list of problems of one configuration.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (es ValidationErrors) Error() string {
	switch len(es) {
	case 0:
		return "no validation errors"
	case 1:
		return es[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more)", es[0].Error(), len(es)-1)
	}
}

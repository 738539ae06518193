package policy

import (
	"context"
	"fmt"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Built-in rule identifiers.
const (
	RuleNoPublicS3          = "no-public-s3"
	RuleRequiredTags        = "required-tags"
	RuleCostAnomalyCritical = "cost-anomaly-critical"
	RuleUnmanagedResource   = "unmanaged-resource"
	RuleDeletedOutside      = "deleted-outside-process"
)

// BuiltinOptions parameterizes the built-in rules.
type BuiltinOptions struct {
	// RequiredTags are the tag keys every resource must carry.
	RequiredTags []string

	// DefaultOwner is written to the owner tag by required-tags remediation.
	DefaultOwner string
}

// DefaultBuiltinOptions returns the default built-in options.
func DefaultBuiltinOptions() BuiltinOptions {
	return BuiltinOptions{
		RequiredTags: []string{"owner"},
		DefaultOwner: "unassigned",
	}
}

const costAnomalyRego = `package cloudops.cost.anomaly_critical

import rego.v1

default violation := false

violation if {
	some anomaly in input.anomalies
	anomaly.severity == "critical"
}
`

// BuiltinRules returns the built-in rule set.
func BuiltinRules(opts BuiltinOptions) ([]Rule, error) {
	if len(opts.RequiredTags) == 0 {
		opts.RequiredTags = DefaultBuiltinOptions().RequiredTags
	}
	if opts.DefaultOwner == "" {
		opts.DefaultOwner = DefaultBuiltinOptions().DefaultOwner
	}

	costPredicate, err := NewRegoPredicate(context.Background(), RuleCostAnomalyCritical+".rego", costAnomalyRego)
	if err != nil {
		return nil, fmt.Errorf("failed to compile built-in rule %s: %w", RuleCostAnomalyCritical, err)
	}

	tagPaths := make([]string, len(opts.RequiredTags))
	tagParams := make(map[string]any, len(opts.RequiredTags))
	for i, tag := range opts.RequiredTags {
		tagPaths[i] = "tags." + tag
		tagParams[tag] = opts.DefaultOwner
	}

	return []Rule{
		{
			ID:                  RuleNoPublicS3,
			Name:                "No public S3 buckets",
			Description:         "S3 buckets must not be publicly accessible",
			Category:            CategorySecurity,
			Severity:            engine.SeverityCritical,
			Enabled:             true,
			Targets:             Targets{ResourceTypes: []string{"s3.bucket"}},
			AutoRemediable:      true,
			Remediation:         &engine.ActionTemplate{Kind: engine.ActionConfigure, Parameters: map[string]any{"public": false}},
			NotificationEnabled: true,
			Message:             "Bucket is publicly accessible",
			Predicate:           AttributeEquals("public", true),
		},
		{
			ID:                  RuleRequiredTags,
			Name:                "Required tags",
			Description:         "Resources must carry the required tags",
			Category:            CategoryCompliance,
			Severity:            engine.SeverityWarning,
			Enabled:             true,
			AutoRemediable:      true,
			Remediation:         &engine.ActionTemplate{Kind: engine.ActionTag, Parameters: tagParams},
			NotificationEnabled: true,
			Message:             "Resource is missing required tags",
			Predicate:           AttributeMissing(tagPaths...),
		},
		{
			ID:                  RuleCostAnomalyCritical,
			Name:                "Critical cost anomaly",
			Description:         "Resource spend deviates far outside its expected range",
			Category:            CategoryCost,
			Severity:            engine.SeverityCritical,
			Enabled:             true,
			NotificationEnabled: true,
			Message:             "Critical cost anomaly",
			Predicate:           costPredicate,
		},
		{
			ID:                  RuleUnmanagedResource,
			Name:                "Unmanaged resource",
			Description:         "Resource exists without an accepted desired state",
			Category:            CategoryGovernance,
			Severity:            engine.SeverityInfo,
			Enabled:             true,
			NotificationEnabled: true,
			Message:             "Resource is not under management",
			Predicate:           DriftOfKind(engine.DriftKindUnmanaged),
		},
		{
			ID:                  RuleDeletedOutside,
			Name:                "Deleted outside process",
			Description:         "Managed resource disappeared without a change record",
			Category:            CategoryGovernance,
			Severity:            engine.SeverityCritical,
			Enabled:             true,
			NotificationEnabled: true,
			Message:             "Managed resource was deleted outside the change process",
			Predicate:           DriftOfKind(engine.DriftKindDeleted),
		},
	}, nil
}

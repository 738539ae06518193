// Package awsce reads daily spend from AWS Cost Explorer.
package awsce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ce "github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/engine"
)

const (
	costMetric = "UnblendedCost"
	dateLayout = "2006-01-02"
)

// GroupBy selects the Cost Explorer dimension series are split on.
type GroupBy string

const (
	// GroupByService yields one series per AWS service.
	GroupByService GroupBy = "SERVICE"

	// GroupByResource yields one series per resource id. Cost Explorer only
	// serves resource-level data for the last 14 days.
	GroupByResource GroupBy = "RESOURCE_ID"
)

// Client is the subset of the Cost Explorer API the source uses. The real
// *costexplorer.Client satisfies it.
type Client interface {
	GetCostAndUsage(
		ctx context.Context,
		params *ce.GetCostAndUsageInput,
		optFns ...func(*ce.Options),
	) (*ce.GetCostAndUsageOutput, error)
}

// Source implements cost.Source over Cost Explorer.
type Source struct {
	client  Client
	groupBy GroupBy
	logger  zerolog.Logger
}

// New creates a source over an existing client.
func New(client Client, groupBy GroupBy, logger zerolog.Logger) *Source {
	if groupBy == "" {
		groupBy = GroupByService
	}
	return &Source{
		client:  client,
		groupBy: groupBy,
		logger:  logger.With().Str("component", "cost-explorer").Logger(),
	}
}

// NewFromProfile loads the shared AWS configuration for profile (empty for
// the default chain). Cost Explorer is a global service served from
// us-east-1.
func NewFromProfile(ctx context.Context, profile string, groupBy GroupBy, logger zerolog.Logger) (*Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion("us-east-1")}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(ce.NewFromConfig(cfg), groupBy, logger), nil
}

// Series implements cost.Source. Only the aws provider is served; the
// account is taken from the scope and used as a LINKED_ACCOUNT filter.
func (s *Source) Series(ctx context.Context, scope engine.Scope, start, end time.Time) ([]cost.TimeSeries, error) {
	if scope.Provider != "aws" {
		return nil, nil
	}

	byKey := make(map[string]*cost.TimeSeries)
	var nextToken *string
	pages := 0

	for {
		out, err := s.client.GetCostAndUsage(ctx, &ce.GetCostAndUsageInput{
			TimePeriod: &cetypes.DateInterval{
				Start: aws.String(start.UTC().Format(dateLayout)),
				End:   aws.String(end.UTC().Format(dateLayout)),
			},
			Granularity: cetypes.GranularityDaily,
			Metrics:     []string{costMetric},
			Filter: &cetypes.Expression{
				Dimensions: &cetypes.DimensionValues{
					Key:    cetypes.DimensionLinkedAccount,
					Values: []string{scope.Account},
				},
			},
			GroupBy: []cetypes.GroupDefinition{{
				Key:  aws.String(string(s.groupBy)),
				Type: cetypes.GroupDefinitionTypeDimension,
			}},
			NextPageToken: nextToken,
		})
		if err != nil {
			return nil, classify(err)
		}
		pages++

		for _, result := range out.ResultsByTime {
			if result.TimePeriod == nil || result.TimePeriod.Start == nil {
				continue
			}
			day, err := time.Parse(dateLayout, *result.TimePeriod.Start)
			if err != nil {
				return nil, engine.NewAdapterError(engine.ErrorCategoryInvalid, "unparseable time period", err).
					WithProvider("aws").WithOperation("GetCostAndUsage")
			}

			for _, group := range result.Groups {
				if len(group.Keys) == 0 {
					continue
				}
				metric, ok := group.Metrics[costMetric]
				if !ok {
					continue
				}

				key := group.Keys[0]
				ts, ok := byKey[key]
				if !ok {
					ts = &cost.TimeSeries{Scope: s.scopeFor(scope.Account, key)}
					byKey[key] = ts
				}
				ts.Points = append(ts.Points, cost.Point{Timestamp: day, Value: parseAmount(metric.Amount)})
			}
		}

		if out.NextPageToken == nil {
			break
		}
		nextToken = out.NextPageToken
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	series := make([]cost.TimeSeries, 0, len(keys))
	for _, k := range keys {
		series = append(series, byKey[k].Sorted())
	}

	s.logger.Debug().
		Str("account", scope.Account).
		Int("pages", pages).
		Int("series", len(series)).
		Msg("Cost series fetched")

	return series, nil
}

func (s *Source) scopeFor(account, key string) engine.CostScope {
	scope := engine.CostScope{Provider: "aws", Account: account}
	if s.groupBy == GroupByResource {
		scope.ResourceID = key
	} else {
		scope.Service = key
	}
	return scope
}

// classify maps Cost Explorer errors onto the adapter error taxonomy.
func classify(err error) error {
	category := engine.ErrorCategoryUnknown

	var apiErr smithy.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = engine.ErrorCategoryTransient
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "LimitExceededException", "ThrottlingException", "RequestLimitExceeded":
			category = engine.ErrorCategoryRateLimited
		case "AccessDeniedException", "UnauthorizedOperation":
			category = engine.ErrorCategoryPermissionDenied
		case "DataUnavailableException", "BillExpirationException":
			category = engine.ErrorCategoryTransient
		case "InvalidNextTokenException", "ValidationException", "RequestChangedException":
			category = engine.ErrorCategoryInvalid
		default:
			if apiErr.ErrorFault() == smithy.FaultServer {
				category = engine.ErrorCategoryTransient
			}
		}
	}

	return engine.NewAdapterError(category, "cost explorer request failed", err).
		WithProvider("aws").
		WithOperation("GetCostAndUsage")
}

func parseAmount(s *string) float64 {
	if s == nil {
		return 0
	}
	v, _ := strconv.ParseFloat(*s, 64)
	return v
}

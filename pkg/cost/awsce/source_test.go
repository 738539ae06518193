package awsce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ce "github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

type stubClient struct {
	pages []*ce.GetCostAndUsageOutput
	err   error
	calls []*ce.GetCostAndUsageInput
}

func (s *stubClient) GetCostAndUsage(_ context.Context, params *ce.GetCostAndUsageInput, _ ...func(*ce.Options)) (*ce.GetCostAndUsageOutput, error) {
	s.calls = append(s.calls, params)
	if s.err != nil {
		return nil, s.err
	}
	return s.pages[len(s.calls)-1], nil
}

func result(day string, groups map[string]string) cetypes.ResultByTime {
	r := cetypes.ResultByTime{TimePeriod: &cetypes.DateInterval{Start: aws.String(day)}}
	for key, amount := range groups {
		r.Groups = append(r.Groups, cetypes.Group{
			Keys:    []string{key},
			Metrics: map[string]cetypes.MetricValue{costMetric: {Amount: aws.String(amount)}},
		})
	}
	return r
}

var scope = engine.Scope{Provider: "aws", Account: "123456789012", Region: "us-east-1"}

func TestSeries_PaginatesAndGroups(t *testing.T) {
	client := &stubClient{pages: []*ce.GetCostAndUsageOutput{
		{
			ResultsByTime: []cetypes.ResultByTime{
				result("2026-01-01", map[string]string{"Amazon S3": "10.5", "Amazon EC2": "100"}),
			},
			NextPageToken: aws.String("page-2"),
		},
		{
			ResultsByTime: []cetypes.ResultByTime{
				result("2026-01-02", map[string]string{"Amazon S3": "11"}),
			},
		},
	}}

	src := New(client, GroupByService, zerolog.Nop())
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	series, err := src.Series(context.Background(), scope, start, start.AddDate(0, 0, 2))
	require.NoError(t, err)

	require.Len(t, client.calls, 2)
	assert.Equal(t, "2026-01-01", aws.ToString(client.calls[0].TimePeriod.Start))
	assert.Equal(t, "2026-01-03", aws.ToString(client.calls[0].TimePeriod.End))
	assert.Equal(t, cetypes.GranularityDaily, client.calls[0].Granularity)
	assert.Equal(t, "page-2", aws.ToString(client.calls[1].NextPageToken))

	require.Len(t, series, 2)
	assert.Equal(t, "Amazon EC2", series[0].Scope.Service)
	assert.Equal(t, "Amazon S3", series[1].Scope.Service)
	assert.Equal(t, "123456789012", series[1].Scope.Account)
	require.Len(t, series[1].Points, 2)
	assert.InDelta(t, 21.5, series[1].Total(), 1e-9)
}

func TestSeries_ResourceGrouping(t *testing.T) {
	client := &stubClient{pages: []*ce.GetCostAndUsageOutput{{
		ResultsByTime: []cetypes.ResultByTime{result("2026-01-01", map[string]string{"i-0abc": "3.2"})},
	}}}

	series, err := New(client, GroupByResource, zerolog.Nop()).Series(context.Background(), scope, time.Now().AddDate(0, 0, -1), time.Now())
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "i-0abc", series[0].Scope.ResourceID)
	assert.Empty(t, series[0].Scope.Service)
}

func TestSeries_OtherProvidersIgnored(t *testing.T) {
	client := &stubClient{}
	series, err := New(client, GroupByService, zerolog.Nop()).Series(context.Background(), engine.Scope{Provider: "gcp", Account: "p"}, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, series)
	assert.Empty(t, client.calls)
}

func TestSeries_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.ErrorCategory
	}{
		{"throttled", &smithy.GenericAPIError{Code: "LimitExceededException", Message: "slow down"}, engine.ErrorCategoryRateLimited},
		{"denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, engine.ErrorCategoryPermissionDenied},
		{"server fault", &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}, engine.ErrorCategoryTransient},
		{"deadline", context.DeadlineExceeded, engine.ErrorCategoryTransient},
		{"other", errors.New("boom"), engine.ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &stubClient{err: tt.err}
			_, err := New(client, GroupByService, zerolog.Nop()).Series(context.Background(), scope, time.Now(), time.Now())
			require.Error(t, err)

			var ae *engine.AdapterError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.want, ae.Category)
			assert.Equal(t, "aws", ae.Provider)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

package static

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

const fixtures = `
resources:
  - identity: {provider: aws, account: "123", region: us-east-1, resource_type: s3.bucket, native_id: logs}
    attributes:
      public: true
      tags: {env: prod}
  - identity: {provider: aws, account: "123", region: us-east-1, resource_type: ec2.instance, native_id: i-1}
    attributes:
      instance_type: t2.micro
      state: running
  - identity: {provider: aws, account: "123", region: eu-west-1, resource_type: s3.bucket, native_id: eu-logs}
    attributes:
      public: false
  - identity: {provider: gcp, account: proj, region: us-central1, resource_type: gcs.bucket, native_id: b}
    attributes: {}
`

var (
	usEast = engine.Scope{Provider: "aws", Account: "123", Region: "us-east-1"}
	logs   = engine.ResourceIdentity{Provider: "aws", Account: "123", Region: "us-east-1", ResourceType: "s3.bucket", NativeID: "logs"}
	i1     = engine.ResourceIdentity{Provider: "aws", Account: "123", Region: "us-east-1", ResourceType: "ec2.instance", NativeID: "i-1"}
)

func loadAWS(t *testing.T) *Adapter {
	t.Helper()
	adapters, err := Parse([]byte(fixtures))
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "aws", adapters[0].Name())
	assert.Equal(t, "gcp", adapters[1].Name())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return adapters[0].WithClock(engine.ClockFunc(func() time.Time { return now }))
}

func TestListResources(t *testing.T) {
	a := loadAWS(t)

	resources, err := a.ListResources(context.Background(), usEast)
	require.NoError(t, err)
	require.Len(t, resources, 2)

	assert.Equal(t, i1, resources[0].Identity, "sorted by identity")
	assert.Equal(t, logs, resources[1].Identity)
	for _, r := range resources {
		assert.NotEmpty(t, r.Hash)
		assert.False(t, r.ObservedAt.IsZero())
	}

	resources[1].Attributes["public"] = false
	again, err := a.ListResources(context.Background(), usEast)
	require.NoError(t, err)
	assert.Equal(t, true, again[1].Attributes["public"], "callers receive copies")
}

func TestApplyActionIdempotent(t *testing.T) {
	a := loadAWS(t)
	ctx := context.Background()

	before, err := a.DescribeResource(ctx, logs)
	require.NoError(t, err)

	action, err := engine.NewAction(logs, engine.ActionConfigure, map[string]any{"public": false})
	require.NoError(t, err)

	res, err := a.ApplyAction(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionResultSucceeded, res.Status)

	res, err = a.ApplyAction(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionResultNoop, res.Status)

	after, err := a.DescribeResource(ctx, logs)
	require.NoError(t, err)
	assert.Equal(t, false, after.Attributes["public"])
	assert.NotEqual(t, before.Hash, after.Hash)
	assert.Len(t, a.Applied(), 2)
}

func TestApplyActionKinds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		id     engine.ResourceIdentity
		kind   engine.ActionKind
		params map[string]any
		check  func(t *testing.T, attrs map[string]any)
	}{
		{
			name:   "tag merges",
			id:     logs,
			kind:   engine.ActionTag,
			params: map[string]any{"owner": "unassigned"},
			check: func(t *testing.T, attrs map[string]any) {
				assert.Equal(t, map[string]any{"env": "prod", "owner": "unassigned"}, attrs["tags"])
			},
		},
		{
			name:   "resize",
			id:     i1,
			kind:   engine.ActionResize,
			params: map[string]any{"instance_type": "t3.micro"},
			check: func(t *testing.T, attrs map[string]any) {
				assert.Equal(t, "t3.micro", attrs["instance_type"])
			},
		},
		{
			name: "stop",
			id:   i1,
			kind: engine.ActionStop,
			check: func(t *testing.T, attrs map[string]any) {
				assert.Equal(t, "stopped", attrs["state"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := loadAWS(t)
			action, err := engine.NewAction(tt.id, tt.kind, tt.params)
			require.NoError(t, err)

			res, err := a.ApplyAction(ctx, action)
			require.NoError(t, err)
			assert.Equal(t, engine.ActionResultSucceeded, res.Status)

			r, err := a.DescribeResource(ctx, tt.id)
			require.NoError(t, err)
			tt.check(t, r.Attributes)
		})
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	a := loadAWS(t)
	ctx := context.Background()

	del, err := engine.NewAction(i1, engine.ActionDelete, nil)
	require.NoError(t, err)

	res, err := a.ApplyAction(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionResultSucceeded, res.Status)

	res, err = a.ApplyAction(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionResultNoop, res.Status)

	stop, err := engine.NewAction(i1, engine.ActionStop, nil)
	require.NoError(t, err)
	_, err = a.ApplyAction(ctx, stop)
	assert.Equal(t, engine.ErrorCategoryNotFound, engine.ClassifyError(err))

	_, err = a.DescribeResource(ctx, i1)
	assert.Equal(t, engine.ErrorCategoryNotFound, engine.ClassifyError(err))
}

func TestFailureInjection(t *testing.T) {
	a := loadAWS(t)
	ctx := context.Background()

	throttled := engine.NewAdapterError(engine.ErrorCategoryRateLimited, "throttled", nil)
	a.FailApply(throttled)
	a.FailList(errors.New("list down"))

	_, err := a.ListResources(ctx, usEast)
	require.EqualError(t, err, "list down")
	_, err = a.ListResources(ctx, usEast)
	require.NoError(t, err)

	action, err := engine.NewAction(logs, engine.ActionConfigure, map[string]any{"public": false})
	require.NoError(t, err)

	res, err := a.ApplyAction(ctx, action)
	require.ErrorIs(t, err, throttled)
	assert.Equal(t, engine.ErrorCategoryRateLimited, res.ErrorCategory)

	res, err = a.ApplyAction(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionResultSucceeded, res.Status)
	assert.Equal(t, 2, a.Calls())
}

func TestParseRejectsIncompleteIdentity(t *testing.T) {
	_, err := Parse([]byte("resources:\n  - identity: {provider: aws}\n"))
	require.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	a := loadAWS(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.ListResources(ctx, usEast)
	require.ErrorIs(t, err, context.Canceled)
}

package engine

import (
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Golden(t *testing.T) {
	attrs := map[string]any{
		"b": []any{1, 2.5},
		"n": nil,
		"a": map[string]any{
			"y": "<é>",
			"x": true,
		},
	}

	got, err := MarshalCanonical(attrs)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "canonical_attributes", got)
}

func TestMarshalCanonical_RejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"cpu": math.NaN()})
	require.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"cpu": math.Inf(1)})
	require.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestContentHash_OrderAndNumericFormIndependent(t *testing.T) {
	a := map[string]any{"instanceType": "t2.micro", "size": 2, "tags": map[string]any{"env": "prod", "team": "core"}}
	b := map[string]any{"tags": map[string]string{"team": "core", "env": "prod"}, "size": 2.0, "instanceType": "t2.micro"}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b["size"] = 3
	hc, err := ContentHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	id := ResourceIdentity{Provider: "aws", Account: "123", Region: "us-east-1", ResourceType: "s3.bucket", NativeID: "logs"}

	k1, err := IdempotencyKey(id, ActionConfigure, map[string]any{"public": false})
	require.NoError(t, err)
	k2, err := IdempotencyKey(id, ActionConfigure, map[string]any{"public": false})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	k3, err := IdempotencyKey(id, ActionTag, map[string]any{"public": false})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	// nil and empty parameters are the same action
	k4, err := IdempotencyKey(id, ActionStop, nil)
	require.NoError(t, err)
	k5, err := IdempotencyKey(id, ActionStop, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, k4, k5)
}

func TestResourceIdentity_ParseRoundTrip(t *testing.T) {
	id := ResourceIdentity{Provider: "gcp", Account: "proj-1", Region: "europe-west1", ResourceType: "compute.instance", NativeID: "vm/with/slashes"}

	parsed, err := ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseIdentity("aws/123")
	assert.Error(t, err)
}

func TestResourceIdentity_Less(t *testing.T) {
	a := ResourceIdentity{Provider: "aws", Account: "1", Region: "r", ResourceType: "t", NativeID: "a"}
	b := ResourceIdentity{Provider: "aws", Account: "1", Region: "r", ResourceType: "t", NativeID: "b"}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

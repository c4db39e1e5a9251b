package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
)

func TestExportOutputs(t *testing.T) {
	state := &ir.State{Resources: []*ir.ResourceState{
		{ID: "cluster", PhysicalID: "lake-eks", Status: ir.StatusReady, Outputs: map[string]any{"arn": "arn:aws:eks:eu-west-1:1:cluster/lake-eks"}},
		{ID: "role", PhysicalID: "lake-job", Status: ir.StatusFailed},
	}}
	outputs := map[string]*ir.OutputDecl{
		"clusterName": {Value: "ptr://cluster"},
		"getToken":    {Value: "aws eks get-token --cluster-name ${ptr://cluster}", Description: "kubectl auth"},
		"roleArn":     {Value: "ptr://role/arn"},
		"bucket":      {Value: "ptr://bucket/name"},
		"missing":     {Value: "ptr://cluster/endpoint"},
		"static":      {Value: "eu-west-1"},
		"secret":      {Value: "ptr://cluster/arn", Sensitive: true},
	}

	got := ExportOutputs(outputs, state, nil)
	require.Len(t, got, len(outputs))

	assert.Equal(t, &ir.OutputValue{Value: "lake-eks", Resolved: true}, got["clusterName"])
	assert.Equal(t, "aws eks get-token --cluster-name lake-eks", got["getToken"].Value)
	assert.Equal(t, "kubectl auth", got["getToken"].Description)
	assert.Equal(t, "eu-west-1", got["static"].Value)
	assert.True(t, got["secret"].Sensitive)

	assert.False(t, got["roleArn"].Resolved)
	assert.Equal(t, "source role is Failed", got["roleArn"].Reason)
	assert.Equal(t, "source bucket has not been created", got["bucket"].Reason)
	assert.Contains(t, got["missing"].Reason, `"endpoint"`)

	assert.Equal(t, map[string]any{
		"clusterName": "lake-eks",
		"getToken":    "aws eks get-token --cluster-name lake-eks",
		"static":      "eu-west-1",
		"secret":      "arn:aws:eks:eu-west-1:1:cluster/lake-eks",
	}, ResolvedOutputs(got))
}

func TestExportOutputs_ReportOverridesStaleState(t *testing.T) {
	state := &ir.State{Resources: []*ir.ResourceState{
		{ID: "cluster", PhysicalID: "lake-eks", Status: ir.StatusReady},
	}}
	report := &ir.Report{Nodes: []*ir.NodeResult{
		{ID: "cluster", Status: ir.StatusBlocked, BlockedBy: "vpc"},
	}}

	got := ExportOutputs(map[string]*ir.OutputDecl{"name": {Value: "ptr://cluster"}}, state, report)
	assert.False(t, got["name"].Resolved)
	assert.Equal(t, "source cluster is Blocked (blocked by vpc)", got["name"].Reason)
}

func TestValidateOutputs(t *testing.T) {
	g, err := BuildGraph([]*ir.Declaration{decl("cluster")})
	require.NoError(t, err)

	assert.NoError(t, ValidateOutputs(map[string]*ir.OutputDecl{"a": {Value: "ptr://cluster/arn"}}, g))
	assert.ErrorIs(t, ValidateOutputs(map[string]*ir.OutputDecl{"a": {Value: "ptr://nope"}}, g), ErrUnknownReference)
	assert.ErrorIs(t, ValidateOutputs(map[string]*ir.OutputDecl{"a": nil}, g), ErrInvalidDeclaration)
}

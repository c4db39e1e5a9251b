package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(&buf, "lakestack", "test")
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "apply")
	span.SetAttributes(AttrResourceID.String("vpc"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name": "apply"`)
	assert.Contains(t, buf.String(), "resource.id")
}

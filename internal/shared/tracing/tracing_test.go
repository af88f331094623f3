package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "studio-core-test", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracer_ProducesSpans(t *testing.T) {
	ctx, span := Tracer().Start(context.Background(), "test")
	defer span.End()
	assert.NotNil(t, ctx)
}

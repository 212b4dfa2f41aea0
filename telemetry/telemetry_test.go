package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "confess-rewards"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer("test").Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitRequiresServiceName(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Endpoint: "localhost:4318"})
	require.Error(t, err)
	require.NoError(t, shutdown(context.Background()))
}

package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-pm/tessera/core/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "integrity.event_store",
		attribute.String("check", "event_store"))
	assert.NotNil(t, ctx)
	done(errors.New("boom"))

	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := observability.DefaultConfig()
	assert.Equal(t, "tessera-audit-core", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

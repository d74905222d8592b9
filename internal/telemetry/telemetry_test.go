package telemetry

import (
	"context"
	"os"
	"testing"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestInitTelemetryDisabled(t *testing.T) {
	err := InitTelemetry(true, "1.0.0")
	assert.NoError(t, err)
	assert.NoError(t, ShutdownTelemetry(context.Background()))
}

func TestInitTelemetryNoEndpoint(t *testing.T) {
	t.Setenv(otlpEndpointEnv, "")

	err := InitTelemetry(false, "1.0.0")
	assert.NoError(t, err)
	assert.Nil(t, shutdownFn)
	assert.NoError(t, ShutdownTelemetry(context.Background()))
}

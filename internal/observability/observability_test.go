package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		logLevel string
		want     zapcore.Level
	}{
		{"production default", "production", "", zap.InfoLevel},
		{"development default", "development", "", zap.DebugLevel},
		{"dev alias", "dev", "", zap.DebugLevel},
		{"explicit level wins", "development", "WARN", zap.WarnLevel},
		{"lowercase level", "", "error", zap.ErrorLevel},
		{"unknown level", "", "chatty", zap.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("LOG_LEVEL", tt.logLevel)
			assert.Equal(t, tt.want, levelFromEnv())
		})
	}
}

func TestGetSamplingRate(t *testing.T) {
	for env, want := range map[string]float64{
		"development": 1.0,
		"staging":     0.5,
		"test":        0.5,
		"production":  0.1,
		"":            0.1,
	} {
		t.Setenv("ENV", env)
		assert.Equal(t, want, GetSamplingRate(), env)
	}
}

func TestShouldSample_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.True(t, ShouldSample(1.0))
		assert.True(t, ShouldSample(2.0))
		assert.False(t, ShouldSample(0))
		assert.False(t, ShouldSample(-1))
	}
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Contains(t, samplerFor(0.25).Description(), "ParentBased")
}

func TestInitLoggerWithLevel_WritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adconfirm.log")
	t.Setenv("LOG_FILE", path)

	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	logger, err := InitLoggerWithLevel(zap.InfoLevel, "adconfirm-test")
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("token pool refilled", zap.Int("count", 30))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"token pool refilled"`)
	assert.Contains(t, string(data), `"service":"adconfirm-test"`)
	assert.Contains(t, string(data), `"logger":"adconfirm-test"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestMockMetricsRegistry(t *testing.T) {
	m := NewMockMetricsRegistry()
	m.IncrementRefills("success")
	m.IncrementRefills("success")
	m.IncrementConfirmations("viewed", "created")
	m.SetTokenPoolSize("confirmation_tokens", 12)
	m.SetTokenPoolSize("confirmation_tokens", 7)

	assert.Equal(t, 2, m.Count("IncrementRefills:success"))
	assert.Equal(t, 1, m.Count("IncrementConfirmations:viewed:created"))
	assert.Zero(t, m.Count("IncrementPayouts:success"))
	assert.Equal(t, 7, m.Gauge("confirmation_tokens"))
}

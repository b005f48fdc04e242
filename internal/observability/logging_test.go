package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{
			name:    "default config",
			config:  DefaultLogConfig(),
			wantErr: false,
		},
		{
			name: "console format",
			config: LogConfig{
				Level:  "debug",
				Format: "console",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "stderr output",
			config: LogConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
			wantErr: false,
		},
		{
			name: "invalid level",
			config: LogConfig{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestZapLogger_Methods(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{
		Level:  "debug",
		Format: "json",
		Output: "stdout",
	})
	require.NoError(t, err)

	// These should not panic
	logger.Debug("debug message", String("key", "value"))
	logger.Info("info message", Int("count", 42))
	logger.Warn("warn message", Bool("flag", true))
	logger.Error("error message", Float64("value", 3.14))

	// Sync may return error for stdout/stderr in test environment
	_ = logger.Sync()
}

func TestZapLogger_With(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	childLogger := logger.With(String("service", "test"))

	assert.NotNil(t, childLogger)
	assert.NotEqual(t, logger, childLogger)
}

func TestZapLogger_WithContext(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	t.Run("empty context returns same logger", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, logger, logger.WithContext(context.Background()))
	})

	t.Run("context with correlation id returns child logger", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithCorrelationID(context.Background(), "corr-123")
		assert.NotEqual(t, logger, logger.WithContext(ctx))
	})
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	assert.Empty(t, CorrelationIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = ContextWithCorrelationID(ctx, "corr-abc")
	ctx = ContextWithRequestID(ctx, "req-123")

	assert.Equal(t, "corr-abc", CorrelationIDFromContext(ctx))
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	logger := NopLogger()
	SetGlobalLogger(logger)

	assert.Equal(t, logger, GetGlobalLogger())
	assert.Equal(t, logger, L())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	require.NotNil(t, logger)

	logger.Info("discarded")
	assert.NoError(t, logger.Sync())
}

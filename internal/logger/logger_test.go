package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  config.LoggerConfig
		wantErr bool
	}{
		{
			name:   "valid json config",
			config: config.LoggerConfig{Level: "debug", Format: "json"},
		},
		{
			name:   "valid console config",
			config: config.LoggerConfig{Level: "info", Format: "console"},
		},
		{
			name:    "invalid level",
			config:  config.LoggerConfig{Level: "invalid", Format: "json"},
			wantErr: true,
		},
		{
			name:   "empty config uses defaults",
			config: config.LoggerConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, l)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)
	return &Logger{SugaredLogger: base.Sugar(), tracer: NewNop().tracer}, logs
}

func TestWithFields(t *testing.T) {
	l, logs := observed()

	l.WithComponent("pipeline").WithScanID(42).WithTool("nuclei").Infow("running")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "pipeline", fields["component"])
	assert.Equal(t, int64(42), fields["scan_id"])
	assert.Equal(t, "nuclei", fields["tool"])
}

func TestZapKeepsFields(t *testing.T) {
	l, logs := observed()

	std := zap.NewStdLog(l.WithComponent("http").Zap())
	std.Print("http: TLS handshake error")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "http: TLS handshake error", entry.Message)
	assert.Equal(t, "http", entry.ContextMap()["component"])
}

func TestLogVulnerabilityLevels(t *testing.T) {
	l, logs := observed()
	ctx := context.Background()

	l.LogVulnerability(ctx, "Exposed panel", "critical", "https://a.example.com")
	l.LogVulnerability(ctx, "Missing header", "medium", "https://b.example.com")
	l.LogVulnerability(ctx, "Banner", "info", "https://c.example.com")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, zap.DebugLevel, entries[2].Level)
}

func TestLogHTTPRequestLevels(t *testing.T) {
	l, logs := observed()
	ctx := context.Background()

	l.LogHTTPRequest(ctx, "GET", "/api/scans/1", 200, time.Millisecond)
	l.LogHTTPRequest(ctx, "GET", "/api/scans/2", 404, time.Millisecond)
	l.LogHTTPRequest(ctx, "POST", "/api/assets", 500, time.Millisecond)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}

func TestOperationLifecycle(t *testing.T) {
	l, logs := observed()

	ctx, span := l.StartOperation(context.Background(), "store.CreateScan", "asset_id", 7)
	l.FinishOperation(ctx, span, "store.CreateScan", time.Now(), errors.New("boom"))

	var sawError bool
	for _, e := range logs.All() {
		if e.Message == "Operation failed" {
			sawError = true
			assert.Equal(t, "boom", e.ContextMap()["error"])
		}
	}
	assert.True(t, sawError)

	l.LogError(context.Background(), nil, "noop")
}

func TestContextRoundTrip(t *testing.T) {
	l := NewNop().WithComponent("test")
	ctx := WithLogger(context.Background(), l)

	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

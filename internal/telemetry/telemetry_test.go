package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	shutdown, err := Setup(context.Background(), Config{}, "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty", cfg: Config{}},
		{name: "http", cfg: Config{Endpoint: "http://localhost:4318"}},
		{name: "https with path", cfg: Config{Endpoint: "https://otel.example.com/v1/traces", SampleRate: 0.5}},
		{name: "grpc style", cfg: Config{Endpoint: "localhost:4317"}, wantErr: "invalid otlp endpoint"},
		{name: "bad rate", cfg: Config{SampleRate: 1.5}, wantErr: "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSetup_RejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := Setup(context.Background(), Config{Endpoint: "ftp://collector"}, "test", nil)
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("expected ErrInvalidEndpoint, got %v", err)
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	for rate, want := range map[float64]string{0: "AlwaysOnSampler", 1: "AlwaysOnSampler", 0.25: "TraceIDRatioBased"} {
		if got := sampler(rate).Description(); !strings.Contains(got, want) {
			t.Errorf("sampler(%v) = %q, want containing %q", rate, got, want)
		}
	}
}

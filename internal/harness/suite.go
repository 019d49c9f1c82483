package harness

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
	"github.com/moolen/apptest/internal/metrics"
	"github.com/moolen/apptest/internal/tracing"
)

// ConfigEnv names the configuration file used when RunUnit gets no config.
const ConfigEnv = "APPTEST_CONFIG"

var (
	metricsOnce    sync.Once
	processMetrics *metrics.Metrics
)

// sharedMetrics returns the collectors shared by every unit of the process.
func sharedMetrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		processMetrics = metrics.NewMetrics(prometheus.NewRegistry())
	})
	return processMetrics
}

// Test is one test of a unit.
type Test struct {
	Name string
	Run  func(t *testing.T, run *RunContext)
}

// LoadConfig loads the configuration named by APPTEST_CONFIG, or defaults
// and environment variables alone, and initializes logging from it.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(os.Getenv(ConfigEnv))
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RunUnit sets unit up, runs tests as subtests against it and tears it down.
// A failing subtest marks the unit failed. cfg may be nil to use LoadConfig.
func RunUnit(t *testing.T, unit Unit, cfg *config.Config, tests []Test, opts ...Option) {
	t.Helper()
	ctx := context.Background()

	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(); err != nil {
			t.Fatalf("failed to load configuration: %v", err)
		}
	}

	provider, err := tracing.NewProvider(tracing.ConfigFrom(cfg))
	if err != nil {
		t.Fatalf("failed to set up tracing: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	})

	opts = append([]Option{WithTracer(provider.Tracer()), WithMetrics(sharedMetrics())}, opts...)
	ctrl := New(unit, cfg, opts...)

	// Cleanups also run when a subtest panics, deferred calls of this
	// goroutine do not.
	t.Cleanup(func() {
		if err := ctrl.AfterAll(ctx); err != nil {
			t.Errorf("tear down of %s failed: %v", unit.Name, err)
		}
	})

	if err := ctrl.BeforeAll(ctx); err != nil {
		t.Fatalf("set up of %s failed: %v", unit.Name, err)
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			ctrl.BeforeEach(tt.Name)
			defer func() {
				if r := recover(); r != nil {
					_ = ctrl.HandleException(fmt.Errorf("test %s.%s panicked: %v", unit.Name, tt.Name, r))
					panic(r)
				}
				if t.Failed() {
					_ = ctrl.HandleException(fmt.Errorf("test %s.%s failed", unit.Name, tt.Name))
				}
			}()
			tt.Run(t, ctrl.Run())
		})
	}
}

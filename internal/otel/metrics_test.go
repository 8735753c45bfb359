package otel

import (
	"context"
	"reflect"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_EveryInstrumentSet(t *testing.T) {
	for _, cfg := range []Config{{}, {Enabled: true, Exporter: ExporterNone}} {
		p, err := Init(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Init(%+v): %v", cfg, err)
		}
		m, err := NewMetrics(p.Meter)
		if err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
		v := reflect.ValueOf(m).Elem()
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).IsNil() {
				t.Errorf("enabled=%v: %s not created", cfg.Enabled, v.Type().Field(i).Name)
			}
		}
		_ = p.Shutdown(context.Background())
	}
}

func TestNewMetrics_RecordsUnderVaultclawNames(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.LLMCost.Add(ctx, 0.0075)
	m.TokensUsed.Add(ctx, 1500)
	m.LockWait.Record(ctx, 0.2)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			seen[md.Name] = true
		}
	}
	for _, name := range []string{"vaultclaw.llm.cost", "vaultclaw.llm.tokens", "vaultclaw.lock.wait"} {
		if !seen[name] {
			t.Errorf("metric %s not collected; got %v", name, seen)
		}
	}
}

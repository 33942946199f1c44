package commands

import (
	"context"
	"testing"
)

func TestBuildRuntimeReusesMetricsCollector(t *testing.T) {
	oldPath := configPath
	configPath = ""
	t.Cleanup(func() { configPath = oldPath })

	rt, err := newRuntime("test", nil)
	if err != nil {
		t.Fatalf("newRuntime failed: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })

	// A settings reload must keep serving the same registry, otherwise
	// runs after the reload vanish from the metrics endpoint.
	fresh, err := buildRuntime("test", nil, rt.metrics)
	if err != nil {
		t.Fatalf("buildRuntime failed: %v", err)
	}
	t.Cleanup(func() { fresh.Close(context.Background()) })

	if fresh.metrics != rt.metrics {
		t.Error("reloaded runtime should reuse the existing metrics collector")
	}
}

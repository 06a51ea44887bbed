package appconfig

import "testing"

func TestDefaultConfigUsesMemorySource(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Source.Kind != SourceMemory {
		t.Fatalf("expected memory source by default, got %q", cfg.Source.Kind)
	}
	if cfg.Wait.Timeout <= 0 {
		t.Fatalf("expected a bounded wait by default")
	}
}

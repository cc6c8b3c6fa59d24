package main

import (
	"strings"
	"testing"
)

func TestRun_ReturnsConfigError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_DRIVER", "sqlite")

	err := run()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL is required") {
		t.Fatalf("run() = %v, want the configuration error", err)
	}
}

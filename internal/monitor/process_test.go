package monitor

import (
	"context"
	"os"
	"testing"
)

func TestProcessStats(t *testing.T) {
	info, err := ProcessStats(context.Background())
	if err != nil {
		t.Fatalf("ProcessStats: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Goroutines < 1 {
		t.Errorf("Goroutines = %d, want at least 1", info.Goroutines)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sig  os.Signal
		want int
	}{
		{"clean stop", nil, nil, 0},
		{"interrupt", context.Canceled, syscall.SIGINT, 130},
		{"terminate", context.Canceled, syscall.SIGTERM, 0},
		{"wrapped interrupt", fmt.Errorf("run: %w", context.Canceled), syscall.SIGINT, 130},
		{"run failure", errors.New("db locked"), nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err, tt.sig); got != tt.want {
				t.Fatalf("exitCode(%v, %v) = %d, want %d", tt.err, tt.sig, got, tt.want)
			}
		})
	}
}

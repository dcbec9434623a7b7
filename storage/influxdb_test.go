// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/soothill/vue-energy-logger/pkg/errors"
)

func TestNewInfluxDBSink_InvalidURL(t *testing.T) {
	sink, err := NewInfluxDBSink("", "token", "org", "bucket")
	if err == nil {
		t.Error("NewInfluxDBSink() should fail with empty URL")
	}
	if sink != nil {
		sink.Close()
		t.Error("NewInfluxDBSink() should return nil sink on error")
	}
}

func TestNewInfluxDBSink_UnreachableHost(t *testing.T) {
	sink, err := NewInfluxDBSink("http://invalid-host-that-does-not-exist:8086", "token", "org", "bucket")
	if err == nil {
		t.Error("NewInfluxDBSink() should fail with unreachable host")
	}
	if sink != nil {
		sink.Close()
		t.Error("NewInfluxDBSink() should return nil sink on connection error")
	}
}

func TestMapBreakerErr(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantBreaker bool
	}{
		{"open state", gobreaker.ErrOpenState, true},
		{"too many requests", gobreaker.ErrTooManyRequests, true},
		{"wrapped open state", fmt.Errorf("write: %w", gobreaker.ErrOpenState), true},
		{"other error", stderrors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapBreakerErr(tt.err)
			if got := stderrors.Is(mapped, errors.ErrCircuitBreakerOpen); got != tt.wantBreaker {
				t.Errorf("mapBreakerErr(%v) breaker-open = %v, want %v", tt.err, got, tt.wantBreaker)
			}
			if !tt.wantBreaker && mapped != tt.err {
				t.Errorf("mapBreakerErr(%v) = %v, want the error unchanged", tt.err, mapped)
			}
		})
	}
}

package monitoring

import (
	"bytes"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogWriters(t *testing.T) {
	var buf bytes.Buffer

	tests := []struct {
		level                 string
		wantDiag, wantTracing bool
	}{
		{LevelOps, false, false},
		{LevelDiag, true, false},
		{"TRACE", true, true},
		{"", true, false},
		{"bogus", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			ops, diag, trace := LogWriters(tt.level, &buf)
			if ops == nil {
				t.Error("ops stream must always be enabled")
			}
			if (diag != nil) != tt.wantDiag {
				t.Errorf("diag enabled = %v, want %v", diag != nil, tt.wantDiag)
			}
			if (trace != nil) != tt.wantTracing {
				t.Errorf("trace enabled = %v, want %v", trace != nil, tt.wantTracing)
			}
		})
	}
}

func TestLogWriters_DefaultsToStderr(t *testing.T) {
	ops, _, _ := LogWriters(LevelOps, nil)
	if ops == nil {
		t.Fatal("expected a default writer")
	}
}

package main

import (
	"os"
	"testing"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "RENDEZD_TEST_VAR",
			value:    ":19500",
			def:      ":29500",
			expected: ":19500",
		},
		{
			name:     "environment variable not set",
			key:      "RENDEZD_UNSET_VAR",
			value:    "",
			def:      ":29500",
			expected: ":29500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
				defer os.Unsetenv(tt.key)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

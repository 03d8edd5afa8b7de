package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"", 8, ""},
		{"short", 8, "short"},
		{"exactly8", 8, "exactly8"},
		{"longer-than-eight", 8, "longer-t"},
		{"anything", 0, ""},
		{"anything", -1, ""},
	}

	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

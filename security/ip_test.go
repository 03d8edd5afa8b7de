package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "198.51.100.4:42132",
			want:       "198.51.100.4",
		},
		{
			name:       "spoofed headers ignored without trust",
			remoteAddr: "198.51.100.4:42132",
			xff:        "1.2.3.4",
			xRealIP:    "5.6.7.8",
			want:       "198.51.100.4",
		},
		{
			name:              "xff behind one proxy",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "203.0.113.7, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "xff behind two proxies",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "203.0.113.7, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.7",
		},
		{
			name:              "xff shorter than proxy count",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "203.0.113.7",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "203.0.113.9",
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "garbage xff falls through",
			remoteAddr: "10.0.0.1:1234",
			xff:        "not-an-ip",
			trustProxy: true,
			want:       "10.0.0.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{403, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsPermanentRejection(t *testing.T) {
	cases := []struct {
		status int
		reason string
		want   bool
	}{
		{0, "", false},
		{0, "going away", false},
		{0, "403 Forbidden", true},
		{0, "policy: 403", true},
		{401, "", true},
		{403, "", true},
		{500, "", false},
	}
	for _, tc := range cases {
		got := IsPermanentRejection(tc.status, tc.reason)
		if got != tc.want {
			t.Fatalf("IsPermanentRejection(%d, %q) = %v, want %v", tc.status, tc.reason, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

package checkin

import (
	"testing"

	"classtrack/internal/face"
)

func TestClassifyBoundaries(t *testing.T) {
	const start = int64(1_000_000)
	const limit = 10 // minutes

	cases := []struct {
		name string
		now  int64
		want Status
	}{
		{"at start", start, StatusPresent},
		{"mid window", start + 5*60_000, StatusPresent},
		{"exactly at limit", start + 10*60_000, StatusPresent},
		{"one ms past limit", start + 10*60_000 + 1, StatusLate},
		{"deep into grace", start + 14*60_000, StatusLate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(start, tc.now, limit); got != tc.want {
				t.Fatalf("Classify(%d) = %s, want %s", tc.now, got, tc.want)
			}
		})
	}
}

func TestWithinWindow(t *testing.T) {
	const start = int64(0)

	cases := []struct {
		name         string
		now          int64
		limit, grace int
		want         bool
	}{
		{"at start", 0, 10, 5, true},
		{"exactly at window end", 15 * 60_000, 10, 5, true},
		{"one ms past window", 15*60_000 + 1, 10, 5, false},
		{"zero grace at limit", 10 * 60_000, 10, 0, true},
		{"zero grace past limit", 10*60_000 + 1, 10, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithinWindow(start, tc.now, tc.limit, tc.grace); got != tc.want {
				t.Fatalf("WithinWindow(%d) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	type rec struct{ id string }
	if IsDuplicate[rec](nil) {
		t.Fatal("nil record reported as duplicate")
	}
	if !IsDuplicate(&rec{id: "s1"}) {
		t.Fatal("existing record not reported as duplicate")
	}
}

func TestIdentityMatches(t *testing.T) {
	const threshold = 0.58

	cases := []struct {
		name     string
		match    *face.Match
		expected string
		want     bool
	}{
		{"no match at all", nil, "s1", false},
		{"right student under threshold", &face.Match{StudentID: "s1", Distance: 0.40}, "s1", true},
		{"right student exactly at threshold", &face.Match{StudentID: "s1", Distance: 0.58}, "s1", true},
		{"right student over threshold", &face.Match{StudentID: "s1", Distance: 0.59}, "s1", false},
		{"wrong student under threshold", &face.Match{StudentID: "s2", Distance: 0.40}, "s1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IdentityMatches(tc.match, tc.expected, threshold); got != tc.want {
				t.Fatalf("IdentityMatches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKnownFace(t *testing.T) {
	if KnownFace(nil, 0.58) {
		t.Fatal("nil match reported as known face")
	}
	if KnownFace(&face.Match{StudentID: "s1", Distance: 0.9}, 0.58) {
		t.Fatal("distant match must be unknown, not a forced best guess")
	}
	if !KnownFace(&face.Match{StudentID: "s1", Distance: 0.2}, 0.58) {
		t.Fatal("close match reported unknown")
	}
}

package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Cents
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 100, true},
		{"1.5", 150, true},
		{"1.50", 150, true},
		{"1.505", 150, true}, // truncated, not rounded
		{"0.01", 1, true},
		{"-2.25", -225, true},
		{"1000", 100000, true},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{"1a", 0, false},
		{".", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Parse(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   Cents
		want string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{150, "1.50"},
		{-225, "-2.25"},
		{100000, "1000.00"},
	}

	for _, tt := range tests {
		if got := tt.in.Format(); got != tt.want {
			t.Errorf("Cents(%d).Format() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "0.01", "1.50", "123.45", "99999.99"} {
		c, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := c.Format(); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := Cents(1000).Percent(50); got != 500 {
		t.Errorf("Percent(50) = %d, want 500", got)
	}
	if got := Cents(101).Percent(30); got != 30 {
		t.Errorf("Percent(30) of 101 = %d, want 30 (truncated)", got)
	}
	if got := Cents(1000).Percent(0); got != 0 {
		t.Errorf("Percent(0) = %d, want 0", got)
	}
}

func TestMin(t *testing.T) {
	if got := Min(30, 100); got != 30 {
		t.Errorf("Min(30, 100) = %d", got)
	}
	if got := Min(100, 30); got != 30 {
		t.Errorf("Min(100, 30) = %d", got)
	}
}

package production

import "testing"

func fptr(v float64) *float64 { return &v }

func TestDifference(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		last    *float64
		current float64
		want    float64
	}{
		{name: "no last value", last: nil, current: 42, want: 0},
		{name: "monotonic growth", last: fptr(100), current: 150, want: 50},
		{name: "counter reset", last: fptr(100), current: 30, want: 30},
		{name: "no change", last: fptr(100), current: 100, want: 0},
		{name: "zero current after reset", last: fptr(100), current: 0, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Difference(tt.last, tt.current); got != tt.want {
				t.Fatalf("Difference = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDifferenceNeverNegative(t *testing.T) {
	t.Parallel()
	for last := 0.0; last <= 200; last += 25 {
		for current := 0.0; current <= 200; current += 25 {
			if got := Difference(&last, current); got < 0 {
				t.Fatalf("Difference(%v, %v) = %v, negative", last, current, got)
			}
		}
	}
}

func TestSpeed(t *testing.T) {
	t.Parallel()
	if got := Speed(50, 3600); got != 50 {
		t.Fatalf("Speed(50, 3600) = %v, want 50", got)
	}
	if got := Speed(50, 0); got != 0 {
		t.Fatalf("Speed(50, 0) = %v, want 0", got)
	}
	if got := Speed(50, -10); got != 0 {
		t.Fatalf("Speed(50, -10) = %v, want 0", got)
	}
	if got := Speed(25, 1800); got != 50 {
		t.Fatalf("Speed(25, 1800) = %v, want 50", got)
	}
}

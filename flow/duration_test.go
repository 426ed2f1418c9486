package flow

import (
	"testing"
	"time"
)

func TestParseISO8601Duration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "PT5S", want: 5 * time.Second},
		{in: "PT1M", want: time.Minute},
		{in: "PT2H", want: 2 * time.Hour},
		{in: "P1D", want: 24 * time.Hour},
		{in: "P1DT2H30M15S", want: 95415 * time.Second},
		{in: "PT0.5S", want: 500 * time.Millisecond},
		{in: "PT0S", want: 0},
		{in: "pt10s", want: 10 * time.Second},
		{in: "", wantErr: true},
		{in: "5S", wantErr: true},
		{in: "P1M", wantErr: true},  // months are calendar units
		{in: "P1Y", wantErr: true},  // years are calendar units
		{in: "P1W", wantErr: true},  // weeks are calendar units
		{in: "PT5", wantErr: true},  // value without designator
		{in: "PTS", wantErr: true},  // designator without value
		{in: "PT1H1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseISO8601Duration(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseISO8601Duration(%q) = %v, expected error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseISO8601Duration(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseISO8601Duration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDurationSpecStructured(t *testing.T) {
	spec := DurationSpec{Days: 1, Hours: 2, Minutes: 30, Seconds: 15}
	got, err := spec.Duration()
	if err != nil {
		t.Fatal(err)
	}
	if want := 95415 * time.Second; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
}

func TestDurationSpecMilliseconds(t *testing.T) {
	spec := DurationSpec{Seconds: 1, Milliseconds: 250}
	got, err := spec.Duration()
	if err != nil {
		t.Fatal(err)
	}
	if want := 1250 * time.Millisecond; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
}

func TestDurationSpecISOForm(t *testing.T) {
	spec := DurationSpec{Expr: "PT90S"}
	got, err := spec.Duration()
	if err != nil {
		t.Fatal(err)
	}
	if want := 90 * time.Second; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
}

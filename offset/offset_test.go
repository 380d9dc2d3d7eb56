package offset

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		o        Offset
		expected string
	}{
		{"zero", Offset{}, "0000000000000000_0000000000000000"},
		{"simple", Offset{ByteOffset: 11}, "0000000000000000_0000000000000011"},
		{"large", Offset{ReadSeq: 1, ByteOffset: 1234567890}, "0000000000000001_0000001234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		want      Offset
		wantError bool
	}{
		{name: "empty is start", raw: "", want: Zero},
		{name: "minus one is start", raw: "-1", want: Zero},
		{name: "padded", raw: "0000000000000000_0000000000000011", want: Offset{ByteOffset: 11}},
		{name: "unpadded still parses", raw: "0_11", want: Offset{ByteOffset: 11}},
		{name: "now is rejected directly", raw: "now", wantError: true},
		{name: "comma rejected", raw: "0,11", wantError: true},
		{name: "missing underscore", raw: "011", wantError: true},
		{name: "double underscore", raw: "0__11", wantError: true},
		{name: "leading underscore", raw: "_11", wantError: true},
		{name: "trailing underscore", raw: "11_", wantError: true},
		{name: "negative byte offset", raw: "0_-11", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantError {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %v", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestResolveNow(t *testing.T) {
	tail := Offset{ByteOffset: 42}
	got, err := ResolveNow("now", tail)
	if err != nil || got != tail {
		t.Fatalf("ResolveNow(now) = %+v, %v, want %+v, nil", got, err, tail)
	}
	got, err = ResolveNow("-1", tail)
	if err != nil || got != Zero {
		t.Fatalf("ResolveNow(-1) = %+v, %v, want zero", got, err)
	}
}

func TestCompareOrdering(t *testing.T) {
	a := Offset{ByteOffset: 5}
	b := Offset{ByteOffset: 10}
	if Compare(a, b) >= 0 {
		t.Errorf("expected a < b")
	}
	if !a.LessThan(b) {
		t.Errorf("expected LessThan true")
	}
	if a.Equal(b) {
		t.Errorf("expected not equal")
	}
	// Lexicographic ordering must match numeric ordering thanks to zero-padding.
	if a.String() >= b.String() {
		t.Errorf("string ordering %q >= %q, want <", a.String(), b.String())
	}
}

func TestAddMonotonic(t *testing.T) {
	o := Offset{ByteOffset: 100}
	next := o.Add(9)
	if next.ByteOffset != 109 {
		t.Errorf("Add(9) = %+v, want ByteOffset 109", next)
	}
	if !o.LessThan(next) {
		t.Errorf("Add must advance the offset")
	}
}

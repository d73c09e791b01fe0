package bleuuid

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "already lower", in: "9800", want: "9800"},
		{name: "upper case", in: "FFE0", want: "ffe0"},
		{name: "dashed 128-bit", in: "0000FB34-9B5F-8000-0080-5F9B34FB0000", want: "0000fb349b5f800000805f9b34fb0000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	if !Equal("9800", "9800") {
		t.Error("expected equal UUIDs to compare equal")
	}
	if !Equal("0000-9800-0000", "000098000000") {
		t.Error("expected dash-stripped forms to compare equal")
	}
	if Equal("9800", "9900") {
		t.Error("expected distinct UUIDs to compare unequal")
	}
}

func TestHasPrefix(t *testing.T) {
	if !HasPrefix("CS108Reader42", "CS108") {
		t.Error("expected prefix match")
	}
	if !HasPrefix("CS108Reader42", "cs108") {
		t.Error("expected case-insensitive prefix match")
	}
	if HasPrefix("CS108Reader42", "XYZ") {
		t.Error("expected non-matching prefix to fail")
	}
	if !HasPrefix("anything", "") {
		t.Error("expected empty prefix to match anything")
	}
}

package stations

import "testing"

func TestNewRegistry_Defaults(t *testing.T) {
	r := NewRegistry(nil)
	want := map[string]int{
		"kiln-main":  8,
		"kiln-annex": 6,
		"kiln-test":  2,
		"kiln-raku":  4,
		"kiln-salt":  4,
	}
	for id, capacity := range want {
		got, ok := r.Capacity(id)
		if !ok || got != capacity {
			t.Errorf("Capacity(%s) = %d/%v, want %d", id, got, ok, capacity)
		}
	}
	if len(r.IDs()) != len(want) {
		t.Errorf("IDs() = %d stations, want %d", len(r.IDs()), len(want))
	}
}

func TestNewRegistry_Custom(t *testing.T) {
	r := NewRegistry(map[string]int{
		"  KILN-A ": 3,
		"kiln-b":    0, // dropped: capacity below one
		"kiln-c":    -2,
	})
	if c, ok := r.Capacity("kiln-a"); !ok || c != 3 {
		t.Errorf("Capacity(kiln-a) = %d/%v, want 3 (keys normalize on load)", c, ok)
	}
	if r.IsKnown("kiln-b") || r.IsKnown("kiln-c") {
		t.Error("stations with capacity < 1 should be dropped")
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"KILN-MAIN":   "kiln-main",
		" kiln-raku ": "kiln-raku",
		"Kiln-Test":   "kiln-test",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsKnown_CaseInsensitive(t *testing.T) {
	r := NewRegistry(nil)
	if !r.IsKnown("KILN-MAIN") {
		t.Error("lookups should be case-insensitive")
	}
	if r.IsKnown("kiln-ghost") {
		t.Error("unknown station reported as known")
	}
}

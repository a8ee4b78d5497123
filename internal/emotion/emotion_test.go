package emotion

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBandOf(t *testing.T) {
	tests := []struct {
		in   Intensity
		want Band
	}{
		{0, BandUnknown},
		{1, BandWeak},
		{3, BandWeak},
		{4, BandMedium},
		{7, BandMedium},
		{8, BandStrong},
		{10, BandStrong},
		{11, BandUnknown},
		{-2, BandUnknown},
	}
	for _, tt := range tests {
		if got := BandOf(tt.in); got != tt.want {
			t.Errorf("BandOf(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBandRangesCoverScale(t *testing.T) {
	seen := map[Intensity]Band{}
	for _, b := range Bands() {
		lo, hi := b.Range()
		for i := lo; i <= hi; i++ {
			if prev, ok := seen[i]; ok {
				t.Fatalf("intensity %d in both %v and %v", i, prev, b)
			}
			seen[i] = b
			if BandOf(i) != b {
				t.Errorf("BandOf(%d) = %v, range says %v", i, BandOf(i), b)
			}
		}
	}
	if len(seen) != MaxIntensity {
		t.Errorf("bands cover %d intensities, want %d", len(seen), MaxIntensity)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	if c.Len() != 10 {
		t.Fatalf("expected 10 emotions, got %d", c.Len())
	}
	first, ok := c.At(1)
	if !ok || first.ID != "joy" {
		t.Errorf("expected joy first, got %+v", first)
	}
	if got := c.Coefficient("sadness"); got != -6 {
		t.Errorf("sadness coefficient = %d, want -6", got)
	}
	if got := c.Coefficient("nope"); got != 0 {
		t.Errorf("unknown coefficient = %d, want 0", got)
	}
	if _, err := c.Lookup("nope"); !errors.Is(err, ErrUnknownEmotion) {
		t.Errorf("expected ErrUnknownEmotion, got %v", err)
	}
	if _, ok := c.At(0); ok {
		t.Error("At(0) should be out of range")
	}
	if _, ok := c.At(11); ok {
		t.Error("At(11) should be out of range")
	}
}

func TestCatalogAllIsCopy(t *testing.T) {
	c := DefaultCatalog()
	all := c.All()
	all[0].Label = "changed"
	if e, _ := c.Lookup("joy"); e.Label == "changed" {
		t.Error("All() must not expose internal storage")
	}
}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name  string
		items []Emotion
	}{
		{"empty", nil},
		{"blank id", []Emotion{{ID: " "}}},
		{"duplicate", []Emotion{{ID: "a"}, {ID: "a"}}},
		{"coefficient too high", []Emotion{{ID: "a", Coefficient: 11}}},
		{"coefficient too low", []Emotion{{ID: "a", Coefficient: -11}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.items); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
emotions:
  - id: calm
    label: Спокойствие
    emoji: "🙂"
    coefficient: 4
  - id: anger
    coefficient: -7
`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Emotion{
		{ID: "calm", Label: "Спокойствие", Emoji: "🙂", Coefficient: 4},
		{ID: "anger", Label: "anger", Coefficient: -7},
	}
	if diff := cmp.Diff(want, c.All()); diff != "" {
		t.Errorf("catalog mismatch (-want +got):\n%s", diff)
	}
	if got := want[1].Display(); got != "anger" {
		t.Errorf("Display without emoji = %q", got)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("emotions: [")); err == nil {
		t.Error("expected YAML error")
	}
}

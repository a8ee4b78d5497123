// Package emotion holds the fixed catalog of emotions a diary entry can reference.
//
// The catalog is ordered (display order is the order of definition) and immutable
// once constructed. Each emotion carries a display label, an emoji and an integer
// valence coefficient used to score finalized entries.
package emotion

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Coefficient bounds for catalog entries.
const (
	MinCoefficient = -10
	MaxCoefficient = 10
)

// ErrUnknownEmotion is returned when an identifier is not part of the catalog.
var ErrUnknownEmotion = errors.New("unknown emotion")

// ID identifies an emotion in the catalog.
type ID string

// Emotion is a single catalog entry.
type Emotion struct {
	ID          ID     `yaml:"id" json:"id"`
	Label       string `yaml:"label" json:"label"`
	Emoji       string `yaml:"emoji" json:"emoji"`
	Coefficient int    `yaml:"coefficient" json:"coefficient"`
}

// Display returns the emoji followed by the label.
func (e Emotion) Display() string {
	if e.Emoji == "" {
		return e.Label
	}
	return e.Emoji + " " + e.Label
}

// Catalog is an ordered, read-only set of emotions.
type Catalog struct {
	items []Emotion
	index map[ID]int
}

// NewCatalog validates the given emotions and builds a catalog preserving their order.
func NewCatalog(items []Emotion) (*Catalog, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one emotion")
	}
	c := &Catalog{
		items: make([]Emotion, 0, len(items)),
		index: make(map[ID]int, len(items)),
	}
	for i, e := range items {
		e.ID = ID(strings.TrimSpace(string(e.ID)))
		if e.ID == "" {
			return nil, fmt.Errorf("emotion #%d has an empty id", i+1)
		}
		if _, dup := c.index[e.ID]; dup {
			return nil, fmt.Errorf("duplicate emotion id %q", e.ID)
		}
		if e.Coefficient < MinCoefficient || e.Coefficient > MaxCoefficient {
			return nil, fmt.Errorf("emotion %q coefficient %d outside [%d, %d]", e.ID, e.Coefficient, MinCoefficient, MaxCoefficient)
		}
		if e.Label == "" {
			e.Label = string(e.ID)
		}
		c.index[e.ID] = len(c.items)
		c.items = append(c.items, e)
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultEmotions)
	if err != nil {
		// defaultEmotions is static; a failure here is a programming error.
		panic(fmt.Sprintf("emotion: invalid default catalog: %v", err))
	}
	return c
}

var defaultEmotions = []Emotion{
	{ID: "joy", Label: "Радость", Emoji: "😊", Coefficient: 8},
	{ID: "sadness", Label: "Грусть", Emoji: "😢", Coefficient: -6},
	{ID: "irritation", Label: "Раздражение", Emoji: "😠", Coefficient: -5},
	{ID: "fear", Label: "Страх", Emoji: "😰", Coefficient: -4},
	{ID: "disgust", Label: "Отвращение", Emoji: "🤢", Coefficient: -5},
	{ID: "interest", Label: "Интерес", Emoji: "🤔", Coefficient: 5},
	{ID: "indifference", Label: "Безразличие", Emoji: "😐", Coefficient: 0},
	{ID: "pleasant_fatigue", Label: "Приятная усталость", Emoji: "😌", Coefficient: 3},
	{ID: "anxiety", Label: "Тревога", Emoji: "😟", Coefficient: -6},
	{ID: "guilt", Label: "Вина", Emoji: "😔", Coefficient: -5},
}

// catalogFile is the on-disk layout accepted by LoadFile.
type catalogFile struct {
	Emotions []Emotion `yaml:"emotions"`
}

// LoadFile reads a YAML catalog definition of the form
//
//	emotions:
//	  - id: joy
//	    label: Радость
//	    emoji: "😊"
//	    coefficient: 8
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read emotion catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog definition.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse emotion catalog: %w", err)
	}
	return NewCatalog(f.Emotions)
}

// All returns the catalog entries in display order. The returned slice is a copy.
func (c *Catalog) All() []Emotion {
	out := make([]Emotion, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of emotions in the catalog.
func (c *Catalog) Len() int {
	return len(c.items)
}

// Lookup returns the emotion for id.
func (c *Catalog) Lookup(id ID) (Emotion, error) {
	i, ok := c.index[id]
	if !ok {
		return Emotion{}, fmt.Errorf("%w: %q", ErrUnknownEmotion, id)
	}
	return c.items[i], nil
}

// Contains reports whether id is part of the catalog.
func (c *Catalog) Contains(id ID) bool {
	_, ok := c.index[id]
	return ok
}

// At returns the emotion at the 1-based display position n.
func (c *Catalog) At(n int) (Emotion, bool) {
	if n < 1 || n > len(c.items) {
		return Emotion{}, false
	}
	return c.items[n-1], true
}

// Coefficient returns the valence coefficient for id, or 0 when id is unknown.
func (c *Catalog) Coefficient(id ID) int {
	if i, ok := c.index[id]; ok {
		return c.items[i].Coefficient
	}
	return 0
}

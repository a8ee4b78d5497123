package emotion

// Intensity bounds. Zero means "not yet rated".
const (
	MinIntensity = 1
	MaxIntensity = 10
)

// Intensity is a 1..10 rating of how strongly an emotion was felt.
type Intensity int

// Valid reports whether i is within [MinIntensity, MaxIntensity].
func (i Intensity) Valid() bool {
	return i >= MinIntensity && i <= MaxIntensity
}

// Band is a coarse grouping of intensities.
type Band int

const (
	BandUnknown Band = iota
	BandWeak
	BandMedium
	BandStrong
)

// BandOf maps an intensity to its band: 1-3 weak, 4-7 medium, 8-10 strong.
func BandOf(i Intensity) Band {
	switch {
	case i >= 1 && i <= 3:
		return BandWeak
	case i >= 4 && i <= 7:
		return BandMedium
	case i >= 8 && i <= 10:
		return BandStrong
	default:
		return BandUnknown
	}
}

// Glyph returns the colored marker shown next to the band.
func (b Band) Glyph() string {
	switch b {
	case BandWeak:
		return "🟢"
	case BandMedium:
		return "🟡"
	case BandStrong:
		return "🔴"
	default:
		return "⚪"
	}
}

// Label returns the human readable band name.
func (b Band) Label() string {
	switch b {
	case BandWeak:
		return "слабая"
	case BandMedium:
		return "средняя"
	case BandStrong:
		return "сильная"
	default:
		return "неизвестно"
	}
}

// Range returns the inclusive intensity range covered by the band.
func (b Band) Range() (lo, hi Intensity) {
	switch b {
	case BandWeak:
		return 1, 3
	case BandMedium:
		return 4, 7
	case BandStrong:
		return 8, 10
	default:
		return 0, 0
	}
}

func (b Band) String() string {
	switch b {
	case BandWeak:
		return "weak"
	case BandMedium:
		return "medium"
	case BandStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// Bands lists the bands in ascending order.
func Bands() []Band {
	return []Band{BandWeak, BandMedium, BandStrong}
}

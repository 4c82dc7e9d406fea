// Package metadata defines the tiered metadata model shared by the extractor,
// the two-tier store and the coordinator.
package metadata

import (
	"fmt"
	"strings"
)

// MediaDescriptor identifies one media item. It is supplied by the
// enumeration layer and never modified.
type MediaDescriptor struct {
	ID       string `json:"id"`
	Locator  string `json:"locator"`
	ByteSize int64  `json:"byte_size"`
}

// LoadLevel is the requested depth of detail. Levels are ordered.
type LoadLevel int

const (
	LevelEssential LoadLevel = iota
	LevelTechnical
	LevelAdvanced
)

func (l LoadLevel) String() string {
	switch l {
	case LevelEssential:
		return "essential"
	case LevelTechnical:
		return "technical"
	case LevelAdvanced:
		return "advanced"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLoadLevel parses the lower-case level name used on the wire.
func ParseLoadLevel(s string) (LoadLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "essential":
		return LevelEssential, nil
	case "technical":
		return LevelTechnical, nil
	case "advanced":
		return LevelAdvanced, nil
	default:
		return LevelEssential, fmt.Errorf("metadata: unknown load level %q", s)
	}
}

func (l LoadLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LoadLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseLoadLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Location is a decoded GPS position in signed decimal degrees.
type Location struct {
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Accuracy  Optional[float64] `json:"accuracy,omitzero"`
}

// Essential is the tier every record carries.
type Essential struct {
	Make        Optional[string]   `json:"make,omitzero"`
	Model       Optional[string]   `json:"model,omitzero"`
	CapturedAt  Optional[string]   `json:"captured_at,omitzero"`
	Location    Optional[Location] `json:"location,omitzero"`
	Orientation Optional[int]      `json:"orientation,omitzero"`
	Size        string             `json:"size"`
}

// Technical holds exposure and sensor details.
type Technical struct {
	Aperture     Optional[float64] `json:"aperture,omitzero"`
	ISO          Optional[int]     `json:"iso,omitzero"`
	FocalLength  Optional[float64] `json:"focal_length,omitzero"`
	ExposureTime Optional[string]  `json:"exposure_time,omitzero"`
	WhiteBalance Optional[string]  `json:"white_balance,omitzero"`
	Flash        Optional[string]  `json:"flash,omitzero"`
	PixelWidth   Optional[int]     `json:"pixel_width,omitzero"`
	PixelHeight  Optional[int]     `json:"pixel_height,omitzero"`
}

// Advanced holds lens, scene and GPS extras.
type Advanced struct {
	LensMake     Optional[string]  `json:"lens_make,omitzero"`
	LensModel    Optional[string]  `json:"lens_model,omitzero"`
	SceneType    Optional[int]     `json:"scene_type,omitzero"`
	MeteringMode Optional[string]  `json:"metering_mode,omitzero"`
	ColorSpace   Optional[string]  `json:"color_space,omitzero"`
	Software     Optional[string]  `json:"software,omitzero"`
	GPSAltitude  Optional[float64] `json:"gps_altitude,omitzero"`
	GPSDateStamp Optional[string]  `json:"gps_date_stamp,omitzero"`
}

// Record is the tiered metadata of one item. Tiers are cumulative: a record
// with Advanced also carries Technical. A deeper extraction replaces the
// whole record.
type Record struct {
	Essential Essential           `json:"essential"`
	Technical Optional[Technical] `json:"technical,omitzero"`
	Advanced  Optional[Advanced]  `json:"advanced,omitzero"`
}

// Satisfies reports whether r carries enough detail for level.
func (r *Record) Satisfies(level LoadLevel) bool {
	if r == nil {
		return false
	}
	switch level {
	case LevelEssential:
		return true
	case LevelTechnical:
		return r.Technical.Present()
	case LevelAdvanced:
		return r.Advanced.Present()
	default:
		return false
	}
}

// Level returns the deepest level r satisfies.
func (r *Record) Level() LoadLevel {
	switch {
	case r.Satisfies(LevelAdvanced):
		return LevelAdvanced
	case r.Satisfies(LevelTechnical):
		return LevelTechnical
	default:
		return LevelEssential
	}
}

// CacheStats is a snapshot of store counters. Hits and misses count fast
// tier lookups only.
type CacheStats struct {
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Size           int    `json:"size"`
	MaxSize        int    `json:"max_size"`
	DurableEntries int64  `json:"durable_entries"`
}

// HitRate is hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

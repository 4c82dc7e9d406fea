package extractor

import (
	"github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"

	"github.com/mtiwari1/gophermeta/internal/metadata"
)

// tagSet indexes flat EXIF entries by tag name. IFD0 is walked first, so
// the primary image wins over thumbnails.
type tagSet map[string]exif.ExifTag

func newTagSet(entries []exif.ExifTag) tagSet {
	tags := make(tagSet, len(entries))
	for _, e := range entries {
		if e.TagName == "" {
			continue
		}
		if _, seen := tags[e.TagName]; !seen {
			tags[e.TagName] = e
		}
	}
	return tags
}

func (t tagSet) str(names ...string) metadata.Optional[string] {
	for _, name := range names {
		tag, ok := t[name]
		if !ok {
			continue
		}
		s, _ := tag.Value.(string)
		if s = cleanString(s); s == "" {
			s = cleanString(tag.FormattedFirst)
		}
		if s != "" {
			return metadata.Some(s)
		}
	}
	return metadata.None[string]()
}

func (t tagSet) integer(names ...string) metadata.Optional[int] {
	for _, name := range names {
		tag, ok := t[name]
		if !ok {
			continue
		}
		if n, ok := firstInt(tag.Value); ok {
			return metadata.Some(n)
		}
	}
	return metadata.None[int]()
}

func firstInt(v any) (int, bool) {
	switch v := v.(type) {
	case []uint8:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []uint16:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []uint32:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []int32:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// rationals returns every component of a rational tag, or nil when the tag
// is absent or any denominator is zero.
func (t tagSet) rationals(name string) []float64 {
	tag, ok := t[name]
	if !ok {
		return nil
	}
	switch v := tag.Value.(type) {
	case []exifcommon.Rational:
		out := make([]float64, 0, len(v))
		for _, r := range v {
			if r.Denominator == 0 {
				return nil
			}
			out = append(out, float64(r.Numerator)/float64(r.Denominator))
		}
		return out
	case []exifcommon.SignedRational:
		out := make([]float64, 0, len(v))
		for _, r := range v {
			if r.Denominator == 0 {
				return nil
			}
			out = append(out, float64(r.Numerator)/float64(r.Denominator))
		}
		return out
	}
	if n, ok := firstInt(tag.Value); ok {
		return []float64{float64(n)}
	}
	return nil
}

func (t tagSet) float(name string) metadata.Optional[float64] {
	if vals := t.rationals(name); len(vals) > 0 {
		return metadata.Some(vals[0])
	}
	return metadata.None[float64]()
}

// exposure renders an exposure rational as a reduced fraction, or as
// seconds when it is one second or longer.
func (t tagSet) exposure(name string) metadata.Optional[string] {
	tag, ok := t[name]
	if !ok {
		return metadata.None[string]()
	}
	v, ok := tag.Value.([]exifcommon.Rational)
	if !ok || len(v) == 0 || v[0].Denominator == 0 {
		return t.str(name)
	}
	return metadata.Some(FormatExposure(v[0].Numerator, v[0].Denominator))
}

// label maps an enumerated tag through table. A present tag with an
// unmapped code becomes "Unknown"; an absent tag stays absent.
func (t tagSet) label(name string, table map[int]string) metadata.Optional[string] {
	code, ok := t.integer(name).Get()
	if !ok {
		return metadata.None[string]()
	}
	return metadata.Some(Label(table, code))
}

// coordinate decodes a degrees/minutes/seconds triple with its hemisphere
// reference into signed decimal degrees.
func (t tagSet) coordinate(name, refName, negativeRef string) (float64, bool) {
	parts := t.rationals(name)
	if len(parts) == 0 {
		return 0, false
	}
	deg := parts[0]
	if len(parts) > 1 {
		deg += parts[1] / 60
	}
	if len(parts) > 2 {
		deg += parts[2] / 3600
	}
	if ref, ok := t.str(refName).Get(); ok && ref == negativeRef {
		deg = -deg
	}
	return deg, true
}

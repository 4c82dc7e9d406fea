package extractor

import (
	"fmt"
	"strconv"
	"time"
)

const (
	captureSourceLayout  = "2006:01:02 15:04:05"
	captureDisplayLayout = "Jan 2, 2006 at 3:04 PM"
)

// FormatSize renders a byte count with 1024-based units.
func FormatSize(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// FormatCaptureTime reformats an EXIF timestamp for display. Unparsable
// input is returned unchanged.
func FormatCaptureTime(raw string) string {
	t, err := time.Parse(captureSourceLayout, raw)
	if err != nil {
		return raw
	}
	return t.Format(captureDisplayLayout)
}

// FormatExposure renders num/den seconds. Den must be non-zero.
func FormatExposure(num, den uint32) string {
	if num >= den {
		return strconv.FormatFloat(float64(num)/float64(den), 'f', -1, 64)
	}
	g := gcd(num, den)
	return fmt.Sprintf("%d/%d", num/g, den/g)
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

const unknownLabel = "Unknown"

// Label looks code up in table, defaulting to "Unknown".
func Label(table map[int]string, code int) string {
	if s, ok := table[code]; ok {
		return s
	}
	return unknownLabel
}

var WhiteBalanceLabels = map[int]string{
	0: "Auto",
	1: "Manual",
}

var FlashLabels = map[int]string{
	0x00: "No Flash",
	0x01: "Fired",
	0x05: "Fired, Return not detected",
	0x07: "Fired, Return detected",
	0x08: "On, Did not fire",
	0x09: "On, Fired",
	0x0d: "On, Return not detected",
	0x0f: "On, Return detected",
	0x10: "Off, Did not fire",
	0x18: "Auto, Did not fire",
	0x19: "Auto, Fired",
	0x1d: "Auto, Fired, Return not detected",
	0x1f: "Auto, Fired, Return detected",
	0x20: "No flash function",
	0x41: "Fired, Red-eye reduction",
	0x59: "Auto, Fired, Red-eye reduction",
}

var MeteringModeLabels = map[int]string{
	1:   "Average",
	2:   "Center-weighted average",
	3:   "Spot",
	4:   "Multi-spot",
	5:   "Pattern",
	6:   "Partial",
	255: "Other",
}

var ColorSpaceLabels = map[int]string{
	1:      "sRGB",
	2:      "Adobe RGB",
	0xffff: "Uncalibrated",
}

package extractor

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	heicexif "github.com/dsoprea/go-heic-exif-extractor"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure"
	pngstructure "github.com/dsoprea/go-png-image-structure"
	tiffstructure "github.com/dsoprea/go-tiff-image-structure"
	riimage "github.com/dsoprea/go-utility/image"
	"github.com/gabriel-vasile/mimetype"
)

type exifParser interface {
	Parse(rs io.ReadSeeker, size int) (riimage.MediaContext, error)
}

func parserFor(mtype *mimetype.MIME) exifParser {
	switch {
	case mtype.Is("image/jpeg"):
		return jpegstructure.NewJpegMediaParser()
	case mtype.Is("image/png"):
		return pngstructure.NewPngMediaParser()
	case mtype.Is("image/tiff"):
		return tiffstructure.NewTiffMediaParser()
	case mtype.Is("image/heic"), mtype.Is("image/heif"), mtype.Is("image/avif"):
		return heicexif.NewHeicExifMediaParser()
	default:
		// RAW formats and video containers rely on the brute-force search.
		return nil
	}
}

// readTags loads the embedded EXIF block of res. A missing or malformed
// block yields an empty tag set; only I/O failures are returned.
func readTags(res Resource) (tagSet, error) {
	r := &recordingReader{rs: res.ReadSeeker}

	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("extractor: detect type: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("extractor: seek: %w", err)
	}

	var raw []byte
	if parser := parserFor(mtype); parser != nil {
		raw = structuredExif(parser, r, res.Size)
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("extractor: seek: %w", err)
		}
	}
	if len(raw) == 0 {
		raw = searchExif(r)
	}
	if r.err != nil {
		return nil, fmt.Errorf("extractor: read: %w", r.err)
	}
	if len(raw) == 0 {
		return tagSet{}, nil
	}
	return flatten(raw), nil
}

func structuredExif(parser exifParser, rs io.ReadSeeker, size int64) (raw []byte) {
	defer func() {
		if recover() != nil {
			raw = nil
		}
	}()
	mc, err := parser.Parse(rs, int(size))
	if err != nil || mc == nil {
		return nil
	}
	_, raw, _ = mc.Exif()
	return raw
}

func searchExif(r io.Reader) (raw []byte) {
	defer func() {
		if recover() != nil {
			raw = nil
		}
	}()
	raw, err := exif.SearchAndExtractExifWithReader(r)
	if err != nil && !errors.Is(err, exif.ErrNoExif) {
		return nil
	}
	return raw
}

// gpsHPositioningError (GPS IFD 0x001f) is missing from the go-exif
// standard tag index, so the enumerator would skip it.
const gpsHPositioningError = 0x001f

var exifIndex = sync.OnceValues(func() (*exif.TagIndex, error) {
	ti := exif.NewTagIndex()
	if err := exif.LoadStandardTags(ti); err != nil {
		return nil, err
	}
	err := ti.Add(&exif.IndexedTag{
		Id:             gpsHPositioningError,
		Name:           "GPSHPositioningError",
		IfdPath:        exifcommon.IfdGpsInfoStandardIfdIdentity.UnindexedString(),
		SupportedTypes: []exifcommon.TagTypePrimitive{exifcommon.TypeRational},
	})
	return ti, err
})

// flatten walks every IFD of raw and collects the decodable tags. Values
// that fail to decode are skipped.
func flatten(raw []byte) (tags tagSet) {
	defer func() {
		if recover() != nil {
			tags = tagSet{}
		}
	}()
	ti, err := exifIndex()
	if err != nil {
		return tagSet{}
	}
	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return tagSet{}
	}
	eh, err := exif.ParseExifHeader(raw)
	if err != nil {
		return tagSet{}
	}

	var entries []exif.ExifTag
	visit := func(ite *exif.IfdTagEntry) error {
		value, err := ite.Value()
		if err != nil {
			return nil
		}
		first, _ := ite.FormatFirst()
		entries = append(entries, exif.ExifTag{
			IfdPath:        ite.IfdPath(),
			TagId:          ite.TagId(),
			TagName:        ite.TagName(),
			Value:          value,
			FormattedFirst: first,
		})
		return nil
	}

	ie := exif.NewIfdEnumerate(im, ti, exif.NewExifReadSeekerWithBytes(raw), eh.ByteOrder)
	if _, err := ie.Scan(exifcommon.IfdStandardIfdIdentity, eh.FirstIfdOffset, visit, nil); err != nil && len(entries) == 0 {
		return tagSet{}
	}
	return newTagSet(entries)
}

// recordingReader remembers the first real read failure so that parsers
// which swallow errors cannot hide an unreadable resource.
type recordingReader struct {
	rs  io.ReadSeeker
	err error
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.rs.Read(p)
	if err != nil && err != io.EOF && r.err == nil {
		r.err = err
	}
	return n, err
}

func (r *recordingReader) Seek(offset int64, whence int) (int64, error) {
	n, err := r.rs.Seek(offset, whence)
	if err != nil && r.err == nil {
		r.err = err
	}
	return n, err
}

func cleanString(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

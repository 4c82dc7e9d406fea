// Package extractor reads embedded descriptive tags from media resources and
// builds tiered metadata records.
package extractor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/mtiwari1/gophermeta/internal/metadata"
)

// Extractor has no shared mutable state; one instance serves all jobs.
type Extractor struct {
	opener Opener
	logger *slog.Logger
}

func New(opener Opener, logger *slog.Logger) *Extractor {
	return &Extractor{opener: opener, logger: logger}
}

// Extract opens desc's resource and builds a record at the requested level.
// Every tier shallower than level is computed in the same call. Missing or
// malformed tags degrade to absent fields; only resource failures and
// cancellation are returned as errors.
func (e *Extractor) Extract(ctx context.Context, desc metadata.MediaDescriptor, level metadata.LoadLevel) (*metadata.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := e.opener.Open(ctx, desc.Locator)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("open", desc.ID, err)
	}
	defer res.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tags, err := readTags(res)
	if err != nil {
		return nil, classify("read", desc.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := desc.ByteSize
	if size <= 0 {
		size = res.Size
	}

	rec := &metadata.Record{Essential: essentialTier(tags, size)}
	if level >= metadata.LevelTechnical {
		rec.Technical = metadata.Some(technicalTier(tags))
	}
	if level >= metadata.LevelAdvanced {
		rec.Advanced = metadata.Some(advancedTier(tags))
	}

	e.logger.Debug("metadata extracted",
		slog.String("media_id", desc.ID),
		slog.String("level", level.String()),
		slog.Int("tags", len(tags)),
		slog.Duration("latency", time.Since(start)),
	)
	return rec, nil
}

func classify(op, id string, err error) error {
	var me *metadata.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, fs.ErrPermission) {
		return metadata.NewError(metadata.KindAccessDenied, op, id, err)
	}
	return metadata.NewError(metadata.KindResourceUnavailable, op, id, err)
}

func essentialTier(tags tagSet, size int64) metadata.Essential {
	ess := metadata.Essential{
		Make:        tags.str("Make"),
		Model:       tags.str("Model"),
		Orientation: tags.integer("Orientation"),
		Size:        FormatSize(size),
	}
	if raw, ok := tags.str("DateTimeOriginal", "DateTime").Get(); ok {
		ess.CapturedAt = metadata.Some(FormatCaptureTime(raw))
	}
	lat, okLat := tags.coordinate("GPSLatitude", "GPSLatitudeRef", "S")
	lon, okLon := tags.coordinate("GPSLongitude", "GPSLongitudeRef", "W")
	if okLat && okLon {
		ess.Location = metadata.Some(metadata.Location{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  tags.float("GPSHPositioningError"),
		})
	}
	return ess
}

func technicalTier(tags tagSet) metadata.Technical {
	return metadata.Technical{
		Aperture:     tags.float("FNumber"),
		ISO:          tags.integer("ISOSpeedRatings", "PhotographicSensitivity"),
		FocalLength:  tags.float("FocalLength"),
		ExposureTime: tags.exposure("ExposureTime"),
		WhiteBalance: tags.label("WhiteBalance", WhiteBalanceLabels),
		Flash:        tags.label("Flash", FlashLabels),
		PixelWidth:   tags.integer("PixelXDimension", "ImageWidth"),
		PixelHeight:  tags.integer("PixelYDimension", "ImageLength"),
	}
}

func advancedTier(tags tagSet) metadata.Advanced {
	adv := metadata.Advanced{
		LensMake:     tags.str("LensMake"),
		LensModel:    tags.str("LensModel"),
		SceneType:    tags.integer("SceneCaptureType"),
		MeteringMode: tags.label("MeteringMode", MeteringModeLabels),
		ColorSpace:   tags.label("ColorSpace", ColorSpaceLabels),
		Software:     tags.str("Software"),
		GPSDateStamp: tags.str("GPSDateStamp"),
	}
	if alt, ok := tags.float("GPSAltitude").Get(); ok {
		// GPSAltitudeRef 1 means below sea level.
		if ref, _ := tags.integer("GPSAltitudeRef").Get(); ref == 1 {
			alt = -alt
		}
		adv.GPSAltitude = metadata.Some(alt)
	}
	return adv
}

package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/buckket/go-blurhash"
	"github.com/jackc/pgx/v5"
	"golang.org/x/image/draw"

	"github.com/amityvox/continuum/internal/models"
)

// thumbnailSpec is one entry of the fixed thumbnail bucket set.
type thumbnailSpec struct {
	width, height uint32
	crop          bool
}

// thumbnailBuckets is the fixed set of generated sizes; arbitrary requests
// snap to the smallest bucket that covers them.
var thumbnailBuckets = []thumbnailSpec{
	{32, 32, true},
	{96, 96, true},
	{320, 240, false},
	{640, 480, false},
	{800, 600, false},
}

// thumbnailProperties snaps a requested size onto the bucket set. Returns
// false when the request exceeds every bucket (serve the original).
func thumbnailProperties(width, height uint32) (thumbnailSpec, bool) {
	for _, b := range thumbnailBuckets {
		if width <= b.width && height <= b.height {
			return b, true
		}
	}
	return thumbnailSpec{}, false
}

// GetThumbnail returns a thumbnail for (server, media id) at the requested
// size. An exact stored match is served directly; otherwise the source image
// is resized into the matching bucket, stored, and returned.
func (s *Service) GetThumbnail(ctx context.Context, serverName, mediaID string, width, height uint32, authenticated bool) (*Content, error) {
	if blocked, err := s.isBlocked(ctx, serverName, mediaID); err != nil {
		return nil, err
	} else if blocked {
		return nil, models.NewError(models.ErrNotFound, "media not found")
	}

	spec, ok := thumbnailProperties(width, height)
	if !ok {
		// Larger than every bucket: the original is the thumbnail.
		return s.Get(ctx, serverName, mediaID, authenticated)
	}

	// Exact stored match.
	var shaHex string
	var filename, contentType *string
	err := s.pool.QueryRow(ctx,
		`SELECT sha256, filename, content_type FROM media_thumbnails
		 WHERE server_name = $1 AND media_id = $2 AND width = $3 AND height = $4`,
		serverName, mediaID, spec.width, spec.height).Scan(&shaHex, &filename, &contentType)
	if err == nil {
		data, gerr := s.backend.Get(ctx, shaHex)
		if gerr == nil {
			s.touchAsync(ctx, shaHex)
			return &Content{Data: data, Filename: filename, ContentType: contentType}, nil
		}
	} else if err != pgx.ErrNoRows {
		return nil, models.NewError(models.ErrStorageFault, "resolving thumbnail: %s", err)
	}

	// Generate from the source image.
	source, err := s.Get(ctx, serverName, mediaID, authenticated)
	if err != nil {
		return nil, err
	}
	img, _, derr := image.Decode(bytes.NewReader(source.Data))
	if derr != nil {
		// Not an image; the original stands in for its thumbnail.
		return source, nil
	}

	thumb := resize(img, spec)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, models.NewError(models.ErrUnknown, "encoding thumbnail: %s", err)
	}
	thumbBytes := buf.Bytes()
	sum := sha256.Sum256(thumbBytes)
	thumbSha := hex.EncodeToString(sum[:])
	thumbType := "image/png"

	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO media_filehash (sha256, size, created_at, last_access_at)
		 VALUES ($1, $2, $3, $3) ON CONFLICT (sha256) DO NOTHING`,
		thumbSha, len(thumbBytes), now); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "storing thumbnail metadata: %s", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO media_thumbnails (server_name, media_id, width, height, sha256, filename, content_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (server_name, media_id, width, height) DO UPDATE SET sha256 = EXCLUDED.sha256`,
		serverName, mediaID, spec.width, spec.height, thumbSha, source.Filename, thumbType); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "storing thumbnail reference: %s", err)
	}
	if err := s.backend.Put(ctx, thumbSha, thumbBytes); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "writing thumbnail blob: %s", err)
	}

	s.logger.Debug("thumbnail generated",
		slog.String("media_id", mediaID),
		slog.Int("width", int(spec.width)),
		slog.Int("height", int(spec.height)))
	return &Content{Data: thumbBytes, Filename: source.Filename, ContentType: &thumbType}, nil
}

// resize scales (and for crop buckets, center-crops) the source image into
// the bucket dimensions using Catmull-Rom resampling.
func resize(src image.Image, spec thumbnailSpec) image.Image {
	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return src
	}

	dstW, dstH := int(spec.width), int(spec.height)
	if spec.crop {
		// Scale the short side to fill, then center-crop.
		scale := float64(dstW) / float64(srcW)
		if alt := float64(dstH) / float64(srcH); alt > scale {
			scale = alt
		}
		scaledW := int(float64(srcW)*scale + 0.5)
		scaledH := int(float64(srcH)*scale + 0.5)
		scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, srcBounds, draw.Over, nil)

		offX := (scaledW - dstW) / 2
		offY := (scaledH - dstH) / 2
		out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
		draw.Draw(out, out.Bounds(), scaled, image.Pt(offX, offY), draw.Src)
		return out
	}

	// Preserve aspect ratio within the bucket.
	scale := float64(dstW) / float64(srcW)
	if alt := float64(dstH) / float64(srcH); alt < scale {
		scale = alt
	}
	if scale >= 1 {
		return src // Never upscale.
	}
	outW := int(float64(srcW)*scale + 0.5)
	outH := int(float64(srcH)*scale + 0.5)
	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(out, out.Bounds(), src, srcBounds, draw.Over, nil)
	return out
}

// computeBlurhash derives a blurhash placeholder for image uploads; other
// content types yield nil.
func computeBlurhash(data []byte, contentType *string) *string {
	if contentType == nil || !strings.HasPrefix(*contentType, "image/") {
		return nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	// Downscale before hashing; blurhash cost grows with pixel count.
	small := image.NewRGBA(image.Rect(0, 0, 64, 64))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)
	h, err := blurhash.Encode(4, 3, small)
	if err != nil {
		return nil
	}
	return &h
}

package media

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/amityvox/continuum/internal/config"
	"github.com/amityvox/continuum/internal/models"
)

func TestFilesystemBackend_Roundtrip(t *testing.T) {
	backend, err := NewFilesystemBackend(config.FilesystemConfig{
		Path:      t.TempDir(),
		Structure: "deep",
		Length:    2,
		Depth:     2,
	})
	if err != nil {
		t.Fatalf("NewFilesystemBackend error: %v", err)
	}

	ctx := context.Background()
	sha := "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"
	data := []byte("blob content")

	if err := backend.Put(ctx, sha, data); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	// Idempotent: identical bytes under the same hash are a no-op.
	if err := backend.Put(ctx, sha, data); err != nil {
		t.Fatalf("second Put error: %v", err)
	}

	got, err := backend.Get(ctx, sha)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}

	if err := backend.Delete(ctx, sha); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := backend.Get(ctx, sha); err == nil {
		t.Error("Get after Delete should fail")
	}
	// Deleting a missing blob is not an error.
	if err := backend.Delete(ctx, sha); err != nil {
		t.Errorf("Delete of missing blob: %v", err)
	}
}

func TestFilesystemBackend_Fanout(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(config.FilesystemConfig{
		Path:      dir,
		Structure: "deep",
		Length:    2,
		Depth:     3,
	})
	if err != nil {
		t.Fatalf("NewFilesystemBackend error: %v", err)
	}
	sha := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	want := dir + "/01/23/45/" + sha
	if got := backend.pathFor(sha); got != want {
		t.Errorf("pathFor = %q, want %q", got, want)
	}
}

func TestThumbnailProperties_Buckets(t *testing.T) {
	tests := []struct {
		w, h       uint32
		wantW      uint32
		wantH      uint32
		wantCrop   bool
		wantFound  bool
	}{
		{16, 16, 32, 32, true, true},
		{32, 32, 32, 32, true, true},
		{64, 64, 96, 96, true, true},
		{300, 200, 320, 240, false, true},
		{500, 400, 640, 480, false, true},
		{800, 600, 800, 600, false, true},
		{2000, 1500, 0, 0, false, false},
	}
	for _, tc := range tests {
		spec, ok := thumbnailProperties(tc.w, tc.h)
		if ok != tc.wantFound {
			t.Errorf("thumbnailProperties(%d, %d) found = %v, want %v", tc.w, tc.h, ok, tc.wantFound)
			continue
		}
		if !ok {
			continue
		}
		if spec.width != tc.wantW || spec.height != tc.wantH || spec.crop != tc.wantCrop {
			t.Errorf("thumbnailProperties(%d, %d) = %+v, want (%d, %d, crop=%v)",
				tc.w, tc.h, spec, tc.wantW, tc.wantH, tc.wantCrop)
		}
	}
}

func TestResize_CropAndScale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))

	cropped := resize(src, thumbnailSpec{width: 32, height: 32, crop: true})
	if b := cropped.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("cropped bounds = %v, want 32x32", b)
	}

	scaled := resize(src, thumbnailSpec{width: 100, height: 100, crop: false})
	if b := scaled.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("scaled bounds = %v, want 100x50 (aspect preserved)", b)
	}

	// Never upscale.
	small := image.NewRGBA(image.Rect(0, 0, 10, 10))
	same := resize(small, thumbnailSpec{width: 320, height: 240, crop: false})
	if b := same.Bounds(); b.Dx() != 10 || b.Dy() != 10 {
		t.Errorf("small image should not be upscaled, got %v", b)
	}
}

func TestComputeBlurhash(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}

	contentType := "image/png"
	h := computeBlurhash(buf.Bytes(), &contentType)
	if h == nil || *h == "" {
		t.Error("blurhash should be computed for images")
	}

	textType := "text/plain"
	if computeBlurhash([]byte("not an image"), &textType) != nil {
		t.Error("non-images should not get a blurhash")
	}
	if computeBlurhash(buf.Bytes(), nil) != nil {
		t.Error("unknown content type should not get a blurhash")
	}
}

func TestParseRetention(t *testing.T) {
	policy, err := parseRetention(config.RetentionConfig{
		Local:       config.RetentionScopeConfig{Accessed: "720h", Space: "1GB"},
		GlobalSpace: "10GB",
	})
	if err != nil {
		t.Fatalf("parseRetention error: %v", err)
	}
	if !policy.Enabled() {
		t.Error("policy with scopes should be enabled")
	}
	local, ok := policy.scopes["local"]
	if !ok {
		t.Fatal("local scope missing")
	}
	if local.space != 1024*1024*1024 {
		t.Errorf("local space = %d", local.space)
	}

	empty, err := parseRetention(config.RetentionConfig{})
	if err != nil {
		t.Fatalf("parseRetention error: %v", err)
	}
	if empty.Enabled() {
		t.Error("empty policy should be disabled")
	}
}

func TestSweepInterval_Bounds(t *testing.T) {
	// 10% of 5h = 30m.
	policy, err := parseRetention(config.RetentionConfig{
		Local: config.RetentionScopeConfig{Accessed: "5h"},
	})
	if err != nil {
		t.Fatalf("parseRetention error: %v", err)
	}
	svc := &Service{retention: policy}
	if got := svc.SweepInterval(); got != 30*time.Minute {
		t.Errorf("SweepInterval = %v, want 30m", got)
	}

	// Very short durations clamp to one minute.
	policy, _ = parseRetention(config.RetentionConfig{
		Remote: config.RetentionScopeConfig{Created: "2m"},
	})
	svc = &Service{retention: policy}
	if got := svc.SweepInterval(); got != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m floor", got)
	}

	// No durations configured: the floor applies.
	svc = &Service{retention: retentionPolicy{scopes: map[models.RetentionScope]scopePolicy{}}}
	if got := svc.SweepInterval(); got != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", got)
	}
}

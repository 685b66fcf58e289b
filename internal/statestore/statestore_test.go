package statestore

import (
	"bytes"
	"testing"

	"github.com/amityvox/continuum/internal/models"
)

func TestHashSnapshot_OrderIndependent(t *testing.T) {
	a := models.NewCompressedStateEntry(1, 100)
	b := models.NewCompressedStateEntry(2, 200)
	c := models.NewCompressedStateEntry(3, 300)

	h1 := HashSnapshot([]models.CompressedStateEntry{a, b, c})
	h2 := HashSnapshot([]models.CompressedStateEntry{c, a, b})
	if !bytes.Equal(h1, h2) {
		t.Error("snapshot hash must be independent of entry order")
	}

	h3 := HashSnapshot([]models.CompressedStateEntry{a, b})
	if bytes.Equal(h1, h3) {
		t.Error("different snapshots must hash differently")
	}
}

func TestPackUnpackEntries(t *testing.T) {
	entries := []models.CompressedStateEntry{
		models.NewCompressedStateEntry(1, 2),
		models.NewCompressedStateEntry(1<<40, 1<<50),
	}
	packed := packEntries(entries)
	if len(packed) != 32 {
		t.Fatalf("packed length = %d, want 32", len(packed))
	}
	unpacked := unpackEntries(packed)
	if len(unpacked) != 2 {
		t.Fatalf("unpacked %d entries, want 2", len(unpacked))
	}
	for i := range entries {
		if unpacked[i] != entries[i] {
			t.Errorf("entry %d roundtrip mismatch", i)
		}
	}

	// Trailing partial bytes are ignored.
	if got := unpackEntries(packed[:20]); len(got) != 1 {
		t.Errorf("partial unpack = %d entries, want 1", len(got))
	}
}

func TestBucketOf(t *testing.T) {
	if bucketOf(0) != 0 || bucketOf(49) != 49 || bucketOf(50) != 0 || bucketOf(123) != 23 {
		t.Error("bucketOf should be short mod 50")
	}
	if b := bucketOf(-7); b < 0 || b >= authChainBuckets {
		t.Errorf("negative shorts must map into range, got %d", b)
	}
}

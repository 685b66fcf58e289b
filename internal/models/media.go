package models

import "time"

// FileHashMetadata is the per-blob record keyed by the hex SHA-256 of the
// blob's bytes. Corresponds to the media_filehash table.
type FileHashMetadata struct {
	SHA256Hex    string    `json:"sha256"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
}

// MediaReference maps (origin server, media id) to a content hash plus the
// upload metadata. Corresponds to the media_references table.
type MediaReference struct {
	ServerName       string    `json:"server_name"`
	MediaID          string    `json:"media_id"`
	SHA256Hex        string    `json:"sha256"`
	Filename         *string   `json:"filename,omitempty"`
	ContentType      *string   `json:"content_type,omitempty"`
	Uploader         *string   `json:"uploader,omitempty"`
	Blurhash         *string   `json:"blurhash,omitempty"`
	UnauthenticatedOK bool     `json:"unauthenticated_ok"`
	CreatedAt        time.Time `json:"created_at"`
}

// ThumbnailReference maps (origin server, media id, width, height) to the
// content hash of a generated thumbnail. Corresponds to the media_thumbnails
// table.
type ThumbnailReference struct {
	ServerName  string  `json:"server_name"`
	MediaID     string  `json:"media_id"`
	Width       uint32  `json:"width"`
	Height      uint32  `json:"height"`
	SHA256Hex   string  `json:"sha256"`
	Filename    *string `json:"filename,omitempty"`
	ContentType *string `json:"content_type,omitempty"`
}

// MediaBlock marks (origin server, media id) as blocked; reads fail with
// NotFound while the record exists. Corresponds to the media_blocks table.
type MediaBlock struct {
	ID         string    `json:"id"`
	ServerName string    `json:"server_name"`
	MediaID    string    `json:"media_id"`
	BlockedAt  time.Time `json:"blocked_at"`
	Reason     *string   `json:"reason,omitempty"`
}

// RetentionScope selects which blobs a retention budget applies to.
type RetentionScope string

const (
	RetentionScopeLocal     RetentionScope = "local"
	RetentionScopeRemote    RetentionScope = "remote"
	RetentionScopeThumbnail RetentionScope = "thumbnail"
	RetentionScopeGlobal    RetentionScope = "global"
)

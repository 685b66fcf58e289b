package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/config"
	"github.com/amityvox/continuum/internal/models"
)

// Service is the media engine: a deduplicated, content-addressed blob store
// with reference metadata, thumbnails, blocklist, purge, and retention.
type Service struct {
	pool    *pgxpool.Pool
	backend Backend
	shared  *cache.Shared
	logger  *slog.Logger

	serverName string
	retention  retentionPolicy
}

// Config holds the configuration for the media service.
type Config struct {
	Pool       *pgxpool.Pool
	Backend    Backend
	Shared     *cache.Shared
	Logger     *slog.Logger
	ServerName string
	Retention  config.RetentionConfig
}

// retentionPolicy is the parsed form of the retention config.
type retentionPolicy struct {
	scopes      map[models.RetentionScope]scopePolicy
	globalSpace int64
}

type scopePolicy struct {
	accessed time.Duration
	created  time.Duration
	space    int64
}

// New creates the media service.
func New(cfg Config) (*Service, error) {
	policy, err := parseRetention(cfg.Retention)
	if err != nil {
		return nil, err
	}
	return &Service{
		pool:       cfg.Pool,
		backend:    cfg.Backend,
		shared:     cfg.Shared,
		logger:     cfg.Logger,
		serverName: cfg.ServerName,
		retention:  policy,
	}, nil
}

func parseRetention(cfg config.RetentionConfig) (retentionPolicy, error) {
	policy := retentionPolicy{scopes: map[models.RetentionScope]scopePolicy{}}
	parse := func(scope models.RetentionScope, sc config.RetentionScopeConfig) error {
		accessed, err := config.ParsedDuration(sc.Accessed)
		if err != nil {
			return err
		}
		created, err := config.ParsedDuration(sc.Created)
		if err != nil {
			return err
		}
		space, err := config.ParsedSize(sc.Space)
		if err != nil {
			return err
		}
		if accessed != 0 || created != 0 || space != 0 {
			policy.scopes[scope] = scopePolicy{accessed: accessed, created: created, space: space}
		}
		return nil
	}
	if err := parse(models.RetentionScopeLocal, cfg.Local); err != nil {
		return policy, err
	}
	if err := parse(models.RetentionScopeRemote, cfg.Remote); err != nil {
		return policy, err
	}
	if err := parse(models.RetentionScopeThumbnail, cfg.Thumbnail); err != nil {
		return policy, err
	}
	globalSpace, err := config.ParsedSize(cfg.GlobalSpace)
	if err != nil {
		return policy, err
	}
	policy.globalSpace = globalSpace
	return policy, nil
}

// Enabled reports whether any retention dimension is configured.
func (p retentionPolicy) Enabled() bool {
	return len(p.scopes) > 0 || p.globalSpace > 0
}

// UploadRequest carries one media upload.
type UploadRequest struct {
	ServerName        string
	MediaID           string
	Data              []byte
	Filename          *string
	ContentType       *string
	Uploader          *string
	UnauthenticatedOK bool
}

// Upload stores a blob and its reference records. Identical bytes uploaded
// under different (server, media id) pairs share one blob.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (string, error) {
	sum := sha256.Sum256(req.Data)
	shaHex := hex.EncodeToString(sum[:])

	// Plan space-budget evictions before committing the new blob; planned
	// blobs are deleted only after the upload lands.
	var planned []string
	if s.retention.Enabled() {
		var err error
		planned, err = s.planSpaceEvictions(ctx, int64(len(req.Data)))
		if err != nil {
			s.logger.Warn("retention planning failed", slog.String("error", err.Error()))
		}
	}

	blurhashStr := computeBlurhash(req.Data, req.ContentType)

	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", models.NewError(models.ErrStorageFault, "starting upload tx: %s", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO media_filehash (sha256, size, created_at, last_access_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (sha256) DO NOTHING`,
		shaHex, len(req.Data), now); err != nil {
		return "", models.NewError(models.ErrStorageFault, "storing blob metadata: %s", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO media_references
		 (server_name, media_id, sha256, filename, content_type, uploader, blurhash, unauthenticated_ok, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (server_name, media_id) DO UPDATE SET
			sha256 = EXCLUDED.sha256, filename = EXCLUDED.filename,
			content_type = EXCLUDED.content_type, blurhash = EXCLUDED.blurhash,
			unauthenticated_ok = EXCLUDED.unauthenticated_ok`,
		req.ServerName, req.MediaID, shaHex, req.Filename, req.ContentType,
		req.Uploader, blurhashStr, req.UnauthenticatedOK, now); err != nil {
		return "", models.NewError(models.ErrStorageFault, "storing media reference: %s", err)
	}

	if err := s.backend.Put(ctx, shaHex, req.Data); err != nil {
		return "", models.NewError(models.ErrStorageFault, "writing blob: %s", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", models.NewError(models.ErrStorageFault, "committing upload: %s", err)
	}

	for _, victim := range planned {
		if err := s.deleteBlobEverywhere(ctx, victim); err != nil {
			s.logger.Warn("retention eviction failed",
				slog.String("sha256", victim), slog.String("error", err.Error()))
		}
	}

	s.logger.Debug("media uploaded",
		slog.String("server", req.ServerName),
		slog.String("media_id", req.MediaID),
		slog.String("sha256", shaHex),
		slog.Int("size", len(req.Data)))
	return shaHex, nil
}

// Content is a resolved media download.
type Content struct {
	Data        []byte
	Filename    *string
	ContentType *string
	Blurhash    *string
}

// Get resolves (server, media id) to blob bytes, enforcing the block list
// and the unauthenticated-access flag. Access times update asynchronously.
func (s *Service) Get(ctx context.Context, serverName, mediaID string, authenticated bool) (*Content, error) {
	if blocked, err := s.isBlocked(ctx, serverName, mediaID); err != nil {
		return nil, err
	} else if blocked {
		return nil, models.NewError(models.ErrNotFound, "media not found")
	}

	var shaHex string
	var filename, contentType, blur *string
	var unauthOK bool
	err := s.pool.QueryRow(ctx,
		`SELECT sha256, filename, content_type, blurhash, unauthenticated_ok
		 FROM media_references WHERE server_name = $1 AND media_id = $2`,
		serverName, mediaID).Scan(&shaHex, &filename, &contentType, &blur, &unauthOK)
	if err == pgx.ErrNoRows {
		return nil, models.NewError(models.ErrNotFound, "media not found")
	}
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "resolving media reference: %s", err)
	}

	if !authenticated && !unauthOK {
		return nil, models.NewError(models.ErrForbidden, "authentication required for this media")
	}

	data, err := s.backend.Get(ctx, shaHex)
	if err != nil {
		return nil, models.NewError(models.ErrNotFound, "media blob unavailable")
	}

	s.touchAsync(ctx, shaHex)
	return &Content{Data: data, Filename: filename, ContentType: contentType, Blurhash: blur}, nil
}

// touchAsync records a last-access update to be flushed in batch by the
// media worker.
func (s *Service) touchAsync(ctx context.Context, shaHex string) {
	if s.shared != nil {
		s.shared.TouchAccessQueue(ctx, shaHex)
		return
	}
	// No shared cache: update inline but off the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.pool.Exec(ctx,
			`UPDATE media_filehash SET last_access_at = now() WHERE sha256 = $1`, shaHex); err != nil {
			s.logger.Debug("updating last access failed", slog.String("error", err.Error()))
		}
	}()
}

// FlushAccessTimes drains the shared access queue into last_access_at
// updates. Called by the media worker.
func (s *Service) FlushAccessTimes(ctx context.Context) error {
	if s.shared == nil {
		return nil
	}
	hashes, err := s.shared.DrainAccessQueue(ctx)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE media_filehash SET last_access_at = now() WHERE sha256 = ANY($1)`, hashes); err != nil {
		return models.NewError(models.ErrStorageFault, "flushing access times: %s", err)
	}
	s.logger.Debug("flushed media access times", slog.Int("count", len(hashes)))
	return nil
}

func (s *Service) isBlocked(ctx context.Context, serverName, mediaID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM media_blocks WHERE server_name = $1 AND media_id = $2)`,
		serverName, mediaID).Scan(&exists)
	if err != nil {
		return false, models.NewError(models.ErrStorageFault, "checking block list: %s", err)
	}
	return exists, nil
}

// Block inserts block records for the given media. Reads fail afterwards but
// metadata remains for audit.
func (s *Service) Block(ctx context.Context, media []models.MediaBlock) []error {
	var errs []error
	for _, m := range media {
		id := ulid.Make().String()
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO media_blocks (id, server_name, media_id, blocked_at, reason)
			 VALUES ($1, $2, $3, now(), $4)
			 ON CONFLICT (server_name, media_id) DO UPDATE SET
				blocked_at = now(), reason = EXCLUDED.reason`,
			id, m.ServerName, m.MediaID, m.Reason); err != nil {
			errs = append(errs, fmt.Errorf("blocking %s/%s: %w", m.ServerName, m.MediaID, err))
		}
	}
	return errs
}

// MediaRef names one (server, media id) pair in purge and block requests.
type MediaRef struct {
	ServerName string
	MediaID    string
}

// Unblock removes block records. When no backing blob remains for a
// reference, the residual metadata is purged too. Emits at most one error
// per malformed or failing entry.
func (s *Service) Unblock(ctx context.Context, media []MediaRef) []error {
	var errs []error
	for _, m := range media {
		if m.ServerName == "" || m.MediaID == "" {
			errs = append(errs, fmt.Errorf("malformed media reference %q/%q", m.ServerName, m.MediaID))
			continue
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM media_blocks WHERE server_name = $1 AND media_id = $2`,
			m.ServerName, m.MediaID); err != nil {
			errs = append(errs, fmt.Errorf("unblocking %s/%s: %w", m.ServerName, m.MediaID, err))
			continue
		}

		// Purge residual metadata when the blob is gone.
		var shaHex string
		err := s.pool.QueryRow(ctx,
			`SELECT sha256 FROM media_references WHERE server_name = $1 AND media_id = $2`,
			m.ServerName, m.MediaID).Scan(&shaHex)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("resolving %s/%s after unblock: %w", m.ServerName, m.MediaID, err))
			continue
		}
		var blobExists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM media_filehash WHERE sha256 = $1)`, shaHex).Scan(&blobExists); err == nil && !blobExists {
			if _, err := s.pool.Exec(ctx,
				`DELETE FROM media_references WHERE server_name = $1 AND media_id = $2`,
				m.ServerName, m.MediaID); err != nil {
				errs = append(errs, fmt.Errorf("purging residual metadata for %s/%s: %w", m.ServerName, m.MediaID, err))
			}
			if _, err := s.pool.Exec(ctx,
				`DELETE FROM media_thumbnails WHERE server_name = $1 AND media_id = $2`,
				m.ServerName, m.MediaID); err != nil {
				s.logger.Debug("purging residual thumbnails failed",
					slog.String("media_id", m.MediaID), slog.String("error", err.Error()))
			}
		}
	}
	return errs
}

// Purge removes the given media references. With forceFilehash the backing
// blobs and every other reference sharing them are deleted too; otherwise a
// blob is deleted only when its last reference goes.
func (s *Service) Purge(ctx context.Context, media []MediaRef, forceFilehash bool) []error {
	var errs []error
	for _, m := range media {
		if err := s.purgeOne(ctx, m.ServerName, m.MediaID, forceFilehash); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (s *Service) purgeOne(ctx context.Context, serverName, mediaID string, forceFilehash bool) error {
	var shaHex string
	err := s.pool.QueryRow(ctx,
		`SELECT sha256 FROM media_references WHERE server_name = $1 AND media_id = $2`,
		serverName, mediaID).Scan(&shaHex)
	if err == pgx.ErrNoRows {
		return models.NewError(models.ErrNotFound, "media %s/%s not found", serverName, mediaID)
	}
	if err != nil {
		return models.NewError(models.ErrStorageFault, "resolving media for purge: %s", err)
	}

	if forceFilehash {
		return s.deleteBlobEverywhere(ctx, shaHex)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM media_references WHERE server_name = $1 AND media_id = $2`,
		serverName, mediaID); err != nil {
		return models.NewError(models.ErrStorageFault, "deleting media reference: %s", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM media_thumbnails WHERE server_name = $1 AND media_id = $2`,
		serverName, mediaID); err != nil {
		s.logger.Debug("deleting thumbnails failed", slog.String("error", err.Error()))
	}

	var remaining int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM media_references WHERE sha256 = $1`, shaHex).Scan(&remaining); err != nil {
		return models.NewError(models.ErrStorageFault, "counting references: %s", err)
	}
	if remaining == 0 {
		return s.deleteBlob(ctx, shaHex)
	}
	return nil
}

// PurgeFromUser removes every upload by a user, optionally only those older
// than the age bound.
func (s *Service) PurgeFromUser(ctx context.Context, userID string, before time.Time, forceFilehash bool) []error {
	rows, err := s.pool.Query(ctx,
		`SELECT server_name, media_id FROM media_references
		 WHERE uploader = $1 AND ($2::timestamptz IS NULL OR created_at < $2)`,
		userID, nullableTime(before))
	if err != nil {
		return []error{models.NewError(models.ErrStorageFault, "querying user media: %s", err)}
	}
	defer rows.Close()
	return s.purgeRows(ctx, rows, forceFilehash)
}

// PurgeFromServer removes every reference for an origin server, optionally
// age-bounded.
func (s *Service) PurgeFromServer(ctx context.Context, serverName string, before time.Time, forceFilehash bool) []error {
	rows, err := s.pool.Query(ctx,
		`SELECT server_name, media_id FROM media_references
		 WHERE server_name = $1 AND ($2::timestamptz IS NULL OR created_at < $2)`,
		serverName, nullableTime(before))
	if err != nil {
		return []error{models.NewError(models.ErrStorageFault, "querying server media: %s", err)}
	}
	defer rows.Close()
	return s.purgeRows(ctx, rows, forceFilehash)
}

func (s *Service) purgeRows(ctx context.Context, rows pgx.Rows, forceFilehash bool) []error {
	var refs []MediaRef
	for rows.Next() {
		var r MediaRef
		if err := rows.Scan(&r.ServerName, &r.MediaID); err != nil {
			return []error{models.NewError(models.ErrStorageFault, "scanning media reference: %s", err)}
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return []error{models.NewError(models.ErrStorageFault, "iterating media references: %s", err)}
	}
	return s.Purge(ctx, refs, forceFilehash)
}

// deleteBlobEverywhere removes a blob, its metadata, and every reference
// sharing the hash.
func (s *Service) deleteBlobEverywhere(ctx context.Context, shaHex string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM media_references WHERE sha256 = $1`, shaHex); err != nil {
		return models.NewError(models.ErrStorageFault, "deleting references for %s: %s", shaHex, err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM media_thumbnails WHERE sha256 = $1`, shaHex); err != nil {
		s.logger.Debug("deleting thumbnail references failed", slog.String("error", err.Error()))
	}
	return s.deleteBlob(ctx, shaHex)
}

func (s *Service) deleteBlob(ctx context.Context, shaHex string) error {
	if err := s.backend.Delete(ctx, shaHex); err != nil {
		return models.NewError(models.ErrStorageFault, "deleting blob %s: %s", shaHex, err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM media_filehash WHERE sha256 = $1`, shaHex); err != nil {
		return models.NewError(models.ErrStorageFault, "deleting blob metadata %s: %s", shaHex, err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

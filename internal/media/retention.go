package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amityvox/continuum/internal/models"
)

// SweepInterval derives the retention sweep period: 10% of the shortest
// configured scoped duration, clamped between 60 seconds and 24 hours.
func (s *Service) SweepInterval() time.Duration {
	shortest := time.Duration(0)
	for _, sc := range s.retention.scopes {
		for _, d := range []time.Duration{sc.accessed, sc.created} {
			if d > 0 && (shortest == 0 || d < shortest) {
				shortest = d
			}
		}
	}
	interval := shortest / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > 24*time.Hour {
		interval = 24 * time.Hour
	}
	return interval
}

// RetentionEnabled reports whether the sweep has anything to do.
func (s *Service) RetentionEnabled() bool {
	return s.retention.Enabled()
}

// RunRetentionSweep evicts blobs violating the age dimensions and trims each
// scope back under its space budget. Called on the sweep interval.
func (s *Service) RunRetentionSweep(ctx context.Context) error {
	for scope, policy := range s.retention.scopes {
		if err := s.sweepScopeAges(ctx, scope, policy); err != nil {
			s.logger.Warn("retention age sweep failed",
				slog.String("scope", string(scope)), slog.String("error", err.Error()))
		}
		if policy.space > 0 {
			if err := s.trimScopeSpace(ctx, scope, policy.space, 0); err != nil {
				s.logger.Warn("retention space trim failed",
					slog.String("scope", string(scope)), slog.String("error", err.Error()))
			}
		}
	}
	if s.retention.globalSpace > 0 {
		if err := s.trimScopeSpace(ctx, models.RetentionScopeGlobal, s.retention.globalSpace, 0); err != nil {
			s.logger.Warn("global retention trim failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// sweepScopeAges deletes blobs in a scope whose last access or creation time
// fall outside the configured windows.
func (s *Service) sweepScopeAges(ctx context.Context, scope models.RetentionScope, policy scopePolicy) error {
	now := time.Now().UTC()
	var victims []string

	collect := func(query string, cutoff time.Time) error {
		rows, err := s.pool.Query(ctx, query, cutoff)
		if err != nil {
			return fmt.Errorf("querying retention victims: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var shaHex string
			if err := rows.Scan(&shaHex); err != nil {
				return fmt.Errorf("scanning retention victim: %w", err)
			}
			victims = append(victims, shaHex)
		}
		return rows.Err()
	}

	if policy.accessed > 0 {
		if err := collect(s.scopeQuery(scope, "last_access_at"), now.Add(-policy.accessed)); err != nil {
			return err
		}
	}
	if policy.created > 0 {
		if err := collect(s.scopeQuery(scope, "created_at"), now.Add(-policy.created)); err != nil {
			return err
		}
	}

	for _, shaHex := range victims {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.deleteBlobEverywhere(ctx, shaHex); err != nil {
			s.logger.Warn("retention eviction failed",
				slog.String("sha256", shaHex), slog.String("error", err.Error()))
		}
	}
	if len(victims) > 0 {
		s.logger.Info("retention sweep evicted media",
			slog.String("scope", string(scope)), slog.Int("count", len(victims)))
	}
	return nil
}

// scopeQuery builds the victim query for one scope and age column.
func (s *Service) scopeQuery(scope models.RetentionScope, column string) string {
	base := `SELECT DISTINCT f.sha256 FROM media_filehash f `
	switch scope {
	case models.RetentionScopeLocal:
		return base + `JOIN media_references r ON r.sha256 = f.sha256
			WHERE r.server_name = '` + s.serverName + `' AND f.` + column + ` < $1`
	case models.RetentionScopeRemote:
		return base + `JOIN media_references r ON r.sha256 = f.sha256
			WHERE r.server_name <> '` + s.serverName + `' AND f.` + column + ` < $1`
	case models.RetentionScopeThumbnail:
		return base + `JOIN media_thumbnails t ON t.sha256 = f.sha256
			WHERE f.` + column + ` < $1`
	default:
		return base + `WHERE f.` + column + ` < $1`
	}
}

// planSpaceEvictions returns the blobs to evict so that the configured space
// budgets still hold after adding newSize bytes. Victims are chosen oldest
// last-access first.
func (s *Service) planSpaceEvictions(ctx context.Context, newSize int64) ([]string, error) {
	var planned []string
	seen := map[string]struct{}{}

	appendPlan := func(hashes []string) {
		for _, h := range hashes {
			if _, dup := seen[h]; !dup {
				seen[h] = struct{}{}
				planned = append(planned, h)
			}
		}
	}

	for scope, policy := range s.retention.scopes {
		if policy.space <= 0 {
			continue
		}
		victims, err := s.planScopeEvictions(ctx, scope, policy.space, newSize)
		if err != nil {
			return nil, err
		}
		appendPlan(victims)
	}
	if s.retention.globalSpace > 0 {
		victims, err := s.planScopeEvictions(ctx, models.RetentionScopeGlobal, s.retention.globalSpace, newSize)
		if err != nil {
			return nil, err
		}
		appendPlan(victims)
	}
	return planned, nil
}

// trimScopeSpace evicts immediately instead of planning; used by the sweep.
func (s *Service) trimScopeSpace(ctx context.Context, scope models.RetentionScope, budget, incoming int64) error {
	victims, err := s.planScopeEvictions(ctx, scope, budget, incoming)
	if err != nil {
		return err
	}
	for _, shaHex := range victims {
		if err := s.deleteBlobEverywhere(ctx, shaHex); err != nil {
			s.logger.Warn("space trim eviction failed",
				slog.String("sha256", shaHex), slog.String("error", err.Error()))
		}
	}
	return nil
}

// planScopeEvictions walks a scope's blobs by ascending last access and
// plans deletions until current + incoming fits the budget.
func (s *Service) planScopeEvictions(ctx context.Context, scope models.RetentionScope, budget, incoming int64) ([]string, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, s.scopeSizeQuery(scope)).Scan(&total); err != nil {
		return nil, fmt.Errorf("sizing scope %s: %w", scope, err)
	}
	need := total + incoming - budget
	if need <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, s.scopeLRUQuery(scope))
	if err != nil {
		return nil, fmt.Errorf("querying LRU blobs: %w", err)
	}
	defer rows.Close()

	var planned []string
	for rows.Next() && need > 0 {
		var shaHex string
		var size int64
		if err := rows.Scan(&shaHex, &size); err != nil {
			return nil, fmt.Errorf("scanning LRU blob: %w", err)
		}
		planned = append(planned, shaHex)
		need -= size
	}
	return planned, rows.Err()
}

func (s *Service) scopeSizeQuery(scope models.RetentionScope) string {
	switch scope {
	case models.RetentionScopeLocal:
		return `SELECT COALESCE(sum(DISTINCT f.size), 0) FROM media_filehash f
			JOIN media_references r ON r.sha256 = f.sha256
			WHERE r.server_name = '` + s.serverName + `'`
	case models.RetentionScopeRemote:
		return `SELECT COALESCE(sum(DISTINCT f.size), 0) FROM media_filehash f
			JOIN media_references r ON r.sha256 = f.sha256
			WHERE r.server_name <> '` + s.serverName + `'`
	case models.RetentionScopeThumbnail:
		return `SELECT COALESCE(sum(DISTINCT f.size), 0) FROM media_filehash f
			JOIN media_thumbnails t ON t.sha256 = f.sha256`
	default:
		return `SELECT COALESCE(sum(size), 0) FROM media_filehash`
	}
}

func (s *Service) scopeLRUQuery(scope models.RetentionScope) string {
	switch scope {
	case models.RetentionScopeLocal:
		return `SELECT DISTINCT ON (f.last_access_at, f.sha256) f.sha256, f.size
			FROM media_filehash f JOIN media_references r ON r.sha256 = f.sha256
			WHERE r.server_name = '` + s.serverName + `'
			ORDER BY f.last_access_at ASC, f.sha256 ASC`
	case models.RetentionScopeRemote:
		return `SELECT DISTINCT ON (f.last_access_at, f.sha256) f.sha256, f.size
			FROM media_filehash f JOIN media_references r ON r.sha256 = f.sha256
			WHERE r.server_name <> '` + s.serverName + `'
			ORDER BY f.last_access_at ASC, f.sha256 ASC`
	case models.RetentionScopeThumbnail:
		return `SELECT DISTINCT ON (f.last_access_at, f.sha256) f.sha256, f.size
			FROM media_filehash f JOIN media_thumbnails t ON t.sha256 = f.sha256
			ORDER BY f.last_access_at ASC, f.sha256 ASC`
	default:
		return `SELECT sha256, size FROM media_filehash ORDER BY last_access_at ASC, sha256 ASC`
	}
}

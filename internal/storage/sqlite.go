package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	hookOnce sync.Once
	// goose keeps its base FS and dialect in package globals.
	migrateMu sync.Mutex
)

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// SQLiteStore implements Store on a local SQLite database. Several worker
// processes on one host may share the file; leases serialize them per video.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path and applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	registerHook()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection for SQLite (WAL allows concurrent reads but only one writer)
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateGenre(ctx context.Context, g *models.Genre) error {
	if g.CreatedAt == "" {
		g.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO genres (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create genre: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetGenre(ctx context.Context, id string) (*models.Genre, error) {
	var g models.Genre
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM genres WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrGenreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get genre: %w", err)
	}
	return &g, nil
}

func (s *SQLiteStore) CreateVideo(ctx context.Context, v *models.Video) error {
	ts := now()
	if v.Status == "" {
		v.Status = models.StatusUploaded
	}
	v.CreatedAt, v.UpdatedAt = ts, ts

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, title, description, genre_id, source_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		v.ID, v.Title, v.Description, nullIfEmpty(v.GenreID), v.SourcePath, v.Status, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrVideoExists, v.ID)
	}
	return nil
}

const videoColumns = `id, title, description, COALESCE(genre_id, ''), source_path, status,
	duration_seconds, thumbnail_path, degraded, error_message, attempts,
	created_at, updated_at, processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.Title, &v.Description, &v.GenreID, &v.SourcePath, &v.Status,
		&v.DurationSeconds, &v.ThumbnailPath, &v.Degraded, &v.ErrorMessage, &v.Attempts,
		&v.CreatedAt, &v.UpdatedAt, &v.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	return getVideo(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getVideo(ctx context.Context, q queryer, id string) (*models.Video, error) {
	v, err := scanVideo(q.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListVideos(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + videoColumns + ` FROM videos`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

func (s *SQLiteStore) GetRendition(ctx context.Context, videoID, tier string) (*models.Rendition, error) {
	var r models.Rendition
	err := s.db.QueryRowContext(ctx, `
		SELECT video_id, tier, manifest_path, segment_dir, segment_count, bandwidth, available, created_at
		FROM renditions WHERE video_id = ? AND tier = ?`, videoID, tier).
		Scan(&r.VideoID, &r.Tier, &r.ManifestPath, &r.SegmentDir, &r.SegmentCount, &r.Bandwidth, &r.Available, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rendition: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT video_id, tier, manifest_path, segment_dir, segment_count, bandwidth, available, created_at
		FROM renditions WHERE video_id = ? ORDER BY bandwidth`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}
	defer rows.Close()

	var out []models.Rendition
	for rows.Next() {
		var r models.Rendition
		if err := rows.Scan(&r.VideoID, &r.Tier, &r.ManifestPath, &r.SegmentDir, &r.SegmentCount, &r.Bandwidth, &r.Available, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rendition: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BeginProcessing(ctx context.Context, videoID string, force bool) (*models.Video, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	v, err := getVideo(ctx, tx, videoID)
	if err != nil {
		return nil, err
	}
	if err := canBegin(v.Status, force); err != nil {
		return nil, err
	}

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE videos SET status = ?, attempts = attempts + 1, duration_seconds = 0,
			thumbnail_path = '', degraded = 0, error_message = '', processed_at = '', updated_at = ?
		WHERE id = ?`, models.StatusProcessing, ts, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to update video: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM renditions WHERE video_id = ?`, videoID); err != nil {
		return nil, fmt.Errorf("failed to clear renditions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	v.Status = models.StatusProcessing
	v.Attempts++
	v.DurationSeconds, v.ThumbnailPath, v.Degraded, v.ErrorMessage, v.ProcessedAt = 0, "", false, "", ""
	v.UpdatedAt = ts
	return v, nil
}

func (s *SQLiteStore) CompleteProcessing(ctx context.Context, r *models.ProcessingResult) error {
	if err := validateResult(r); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.LeaseOwner != "" {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM leases WHERE video_id = ?`, r.VideoID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != r.LeaseOwner) {
			return fmt.Errorf("%w: %s", models.ErrLeaseLost, r.VideoID)
		}
		if err != nil {
			return fmt.Errorf("failed to check lease: %w", err)
		}
	}

	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE videos SET status = ?, duration_seconds = ?, thumbnail_path = ?, degraded = ?,
			error_message = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		r.Status, r.DurationSeconds, r.ThumbnailPath, r.Degraded, r.ErrorMessage, ts, ts,
		r.VideoID, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getVideo(ctx, tx, r.VideoID); err != nil {
			return err
		}
		return fmt.Errorf("%w: video %s is not processing", models.ErrInvalidStatus, r.VideoID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM renditions WHERE video_id = ?`, r.VideoID); err != nil {
		return fmt.Errorf("failed to clear renditions: %w", err)
	}
	for _, rd := range r.Renditions {
		if rd.CreatedAt == "" {
			rd.CreatedAt = ts
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO renditions (video_id, tier, manifest_path, segment_dir, segment_count, bandwidth, available, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.VideoID, rd.Tier, rd.ManifestPath, rd.SegmentDir, rd.SegmentCount, rd.Bandwidth, rd.Available, rd.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert %s rendition: %w", rd.Tier, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailProcessing(ctx context.Context, videoID, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	v, err := getVideo(ctx, tx, videoID)
	if err != nil {
		return err
	}
	if !canFail(v.Status) {
		return fmt.Errorf("%w: video %s is %s", models.ErrInvalidStatus, videoID, v.Status)
	}

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE videos SET status = ?, error_message = ?, duration_seconds = 0, thumbnail_path = '',
			processed_at = ?, updated_at = ?
		WHERE id = ?`, models.StatusFailed, message, ts, ts, videoID)
	if err != nil {
		return fmt.Errorf("failed to mark video as failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM renditions WHERE video_id = ?`, videoID); err != nil {
		return fmt.Errorf("failed to clear renditions: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, videoID, owner string, ttl time.Duration) error {
	nowMs := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (video_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?`,
		videoID, owner, nowMs+ttl.Milliseconds(), nowMs)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrLeaseHeld
	}
	return nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, videoID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE video_id = ? AND owner = ?`,
		time.Now().Add(ttl).UnixMilli(), videoID, owner)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, videoID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE video_id = ? AND owner = ?`, videoID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

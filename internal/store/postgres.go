package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tendant/simple-photo-ingest/internal/dedup"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationDir = "migrations"

type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres opens a pool and verifies connectivity. The pool is shared by
// every job.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	const op = "store.NewPostgres"

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: parse dsn: %w", op, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context, logger *slog.Logger) error {
	const op = "store.Migrate"

	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := goose.UpContext(ctx, db, migrationDir); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			logger.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("%s: read version: %w", op, err)
	}
	logger.Info("database migrations applied", "version", version)
	return nil
}

func (p *Postgres) FindSessionVehicle(ctx context.Context, sessionID, tenantID string) (string, error) {
	const op = "store.FindSessionVehicle"

	var vehicleID string
	err := p.pool.QueryRow(ctx,
		`SELECT vehicle_id FROM sessions WHERE id = $1 AND tenant_id = $2`,
		sessionID, tenantID).Scan(&vehicleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w: %s", op, ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return vehicleID, nil
}

func (p *Postgres) FindImageByHash(ctx context.Context, tenantID, contentHash string) (dedup.Match, error) {
	const op = "store.FindImageByHash"

	var m dedup.Match
	err := p.pool.QueryRow(ctx,
		`SELECT id::text, storage_key FROM images WHERE tenant_id = $1 AND content_hash = $2`,
		tenantID, contentHash).Scan(&m.ImageID, &m.StorageKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return dedup.Match{}, dedup.ErrNoMatch
	}
	if err != nil {
		return dedup.Match{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

const imageColumns = `id::text, tenant_id, site_id, session_id, vehicle_id, storage_key,
	angle_deg, shot_name, content_hash, phash, width, height, exif, thumbnails,
	quality, quality_version, status, created_at, published_at, updated_at`

// UpsertImageByHash inserts rec, or merges it into the row that already holds
// (tenant_id, content_hash). The merge runs under a row lock so concurrent
// redeliveries serialize.
func (p *Postgres) UpsertImageByHash(ctx context.Context, rec schema.ImageRecord) (string, error) {
	const op = "store.UpsertImageByHash"

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx)

	now := p.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row, err := encodeRecord(rec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO images (id, tenant_id, site_id, session_id, vehicle_id, storage_key,
			angle_deg, shot_name, content_hash, phash, width, height, exif, thumbnails,
			quality, quality_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
		ON CONFLICT (tenant_id, content_hash) DO NOTHING
		RETURNING id::text`,
		rec.ID, rec.TenantID, rec.SiteID, rec.SessionID, rec.VehicleID, rec.StorageKey,
		rec.AngleDeg, rec.ShotName, rec.ContentHash, rec.PHash, rec.Width, rec.Height,
		row.exif, row.thumbnails, row.quality, rec.QualityVersion, string(rec.Status), now,
	).Scan(&id)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("%s: commit: %w", op, err)
		}
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: insert: %w", op, err)
	}

	old, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE tenant_id = $1 AND content_hash = $2 FOR UPDATE`,
		rec.TenantID, rec.ContentHash))
	if err != nil {
		return "", fmt.Errorf("%s: lock existing: %w", op, err)
	}

	merged := Merge(old, rec, now)
	mrow, err := encodeRecord(merged)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE images SET thumbnails = $2, quality = $3, quality_version = $4, phash = $5,
			status = $6, updated_at = $7
		WHERE id = $1`,
		merged.ID, mrow.thumbnails, mrow.quality, merged.QualityVersion, merged.PHash,
		string(merged.Status), merged.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("%s: update: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%s: commit: %w", op, err)
	}
	return merged.ID, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, ev schema.ImageEvent) error {
	const op = "store.AppendEvent"

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO image_events (image_id, tenant_id, session_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ImageID, ev.TenantID, ev.SessionID, string(ev.Type), string(payload), time.Unix(ev.HappenedAt, 0))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// jsonColumns holds the JSONB encodings of a record; nil means SQL NULL.
type jsonColumns struct {
	exif       *string
	thumbnails *string
	quality    *string
}

func encodeRecord(rec schema.ImageRecord) (jsonColumns, error) {
	var (
		cols jsonColumns
		err  error
	)
	if rec.Exif != nil {
		if cols.exif, err = marshalPtr(rec.Exif); err != nil {
			return cols, fmt.Errorf("encode exif: %w", err)
		}
	}
	if len(rec.Thumbnails) > 0 {
		if cols.thumbnails, err = marshalPtr(rec.Thumbnails); err != nil {
			return cols, fmt.Errorf("encode thumbnails: %w", err)
		}
	}
	if rec.Quality != nil {
		if cols.quality, err = marshalPtr(rec.Quality); err != nil {
			return cols, fmt.Errorf("encode quality: %w", err)
		}
	}
	return cols, nil
}

func marshalPtr(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func scanRecord(row pgx.Row) (schema.ImageRecord, error) {
	var (
		rec                   schema.ImageRecord
		status                string
		exif, thumbs, quality []byte
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.SiteID, &rec.SessionID, &rec.VehicleID, &rec.StorageKey,
		&rec.AngleDeg, &rec.ShotName, &rec.ContentHash, &rec.PHash, &rec.Width, &rec.Height,
		&exif, &thumbs, &quality, &rec.QualityVersion, &status, &rec.CreatedAt, &rec.PublishedAt, &rec.UpdatedAt)
	if err != nil {
		return schema.ImageRecord{}, err
	}
	rec.Status = schema.ImageStatus(status)
	if exif != nil {
		rec.Exif = &schema.ExifData{}
		if err := json.Unmarshal(exif, rec.Exif); err != nil {
			return schema.ImageRecord{}, fmt.Errorf("decode exif: %w", err)
		}
	}
	if thumbs != nil {
		if err := json.Unmarshal(thumbs, &rec.Thumbnails); err != nil {
			return schema.ImageRecord{}, fmt.Errorf("decode thumbnails: %w", err)
		}
	}
	if quality != nil {
		rec.Quality = &schema.QualityResult{}
		if err := json.Unmarshal(quality, rec.Quality); err != nil {
			return schema.ImageRecord{}, fmt.Errorf("decode quality: %w", err)
		}
	}
	return rec, nil
}

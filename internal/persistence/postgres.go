package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              BIGSERIAL PRIMARY KEY,
	fingerprint     TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL,
	company         TEXT NOT NULL,
	location        TEXT,
	description     TEXT NOT NULL,
	url             TEXT NOT NULL,
	apply_url       TEXT,
	salary          TEXT,
	job_type        TEXT,
	experience      TEXT,
	posted_date     TEXT,
	seniority       TEXT,
	source          TEXT NOT NULL,
	source_tier     TEXT,
	platform_job_id TEXT,
	platform        TEXT NOT NULL,
	scraped_at      TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs (source);
CREATE INDEX IF NOT EXISTS idx_jobs_scraped_at ON jobs (scraped_at);
`

// Store writes job records to Postgres through a pgx pool. When the
// database is unreachable and fallback is enabled, the store runs in
// log-only mode: inserts are logged and dropped instead of failing the run.
type Store struct {
	pool    *pgxpool.Pool
	logOnly bool
	logger  arbor.ILogger
}

// NewStore connects the pool and ensures the jobs schema exists.
// An unreachable database is fatal unless fallback is enabled.
func NewStore(ctx context.Context, config common.DatabaseConfig, logger arbor.ILogger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if config.PoolMax > 0 {
		poolConfig.MaxConns = int32(config.PoolMax)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		if config.FallbackEnabled {
			logger.Warn().Err(err).Msg("Database unreachable; persistence downgraded to log-only")
			return &Store{logOnly: true, logger: logger}, nil
		}
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	store := &Store{pool: pool, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// LogOnly reports whether the store is running without a database
func (s *Store) LogOnly() bool {
	return s.logOnly
}

// InsertJob writes one record keyed by its fingerprint. Re-inserting an
// existing fingerprint is a no-op; the bool reports whether a row was
// actually written.
func (s *Store) InsertJob(ctx context.Context, job models.JobRecord) (bool, error) {
	if s.logOnly {
		s.logger.Info().
			Str("title", job.Title).
			Str("company", job.Company).
			Str("source", job.Source).
			Msg("Log-only persistence: job dropped")
		return false, nil
	}

	scrapedAt, err := time.Parse(time.RFC3339, job.ScrapedAt)
	if err != nil {
		return false, fmt.Errorf("job has unparseable scraped_at %q: %w", job.ScrapedAt, err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (fingerprint, title, company, location, description, url,
			apply_url, salary, job_type, experience, posted_date, seniority,
			source, source_tier, platform_job_id, platform, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (fingerprint) DO NOTHING`,
		job.Fingerprint(), job.Title, job.Company, job.Location, job.Description,
		job.URL, job.ApplyURL, job.Salary, job.JobType, job.Experience,
		job.PostedDate, job.Seniority, job.Source, job.SourceTier,
		job.PlatformJobID, job.Platform, scrapedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountJobs returns the total rows in the jobs table
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	if s.logOnly {
		return 0, nil
	}
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// Close releases the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, jobsSchema); err != nil {
		return fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return nil
}

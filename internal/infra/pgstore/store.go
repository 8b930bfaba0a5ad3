package pgstore

import (
	"context"
	"errors"
	"fmt"
	"scrapeq/internal/config"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var _ ports.Store = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pages (
	id         TEXT PRIMARY KEY,
	platform   TEXT NOT NULL,
	url        TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL,
	body       TEXT NOT NULL,
	skills     TEXT[] NOT NULL DEFAULT '{}',
	final_url  TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS page_backlog (
	id         TEXT PRIMARY KEY,
	platform   TEXT NOT NULL,
	url        TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	scraped_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS page_backlog_pending_idx ON page_backlog (platform) WHERE scraped_at IS NULL;
`

// Store keeps successful pages and the URL backlog in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, cfg config.Postgres) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ViaBouncer {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	log.Ctx(ctx).Info().Int32("max_conns", pc.MaxConns).Msg("connected to postgres")
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pages WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// Persist inserts the page and marks its backlog entry scraped. A page that
// is already stored is left untouched.
func (s *Store) Persist(ctx context.Context, t domain.Task, p domain.Payload) error {
	fetched := p.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	skills := p.Skills
	if skills == nil {
		skills = []string{}
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pages (id, platform, url, role, title, body, skills, final_url, fetched_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Platform, t.URL, t.Role, p.Title, p.Body, skills, p.FinalURL, fetched,
		); err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE page_backlog SET scraped_at = now() WHERE id = $1`, t.ID,
		); err != nil {
			return fmt.Errorf("mark scraped: %w", err)
		}
		return nil
	})
}

// Delete drops the task from the backlog for good.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM page_backlog WHERE id = $1`, id)
	return err
}

// AddBacklog queues URLs for later runs in batches. It returns the number of
// new rows.
func (s *Store) AddBacklog(ctx context.Context, tasks []domain.Task, batch int) (int, error) {
	if batch <= 0 {
		batch = 200
	}
	total := 0
	for i := 0; i < len(tasks); i += batch {
		j := min(i+batch, len(tasks))
		b := &pgx.Batch{}
		count := 0
		for _, t := range tasks[i:j] {
			if strings.TrimSpace(t.URL) == "" {
				continue
			}
			b.Queue(`
				INSERT INTO page_backlog (id, platform, url, role)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (id) DO NOTHING`,
				t.ID, t.Platform, t.URL, t.Role,
			)
			count++
		}
		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// LoadBacklog returns pending backlog entries, oldest first. An empty
// platform matches all platforms and limit <= 0 means no limit.
func (s *Store) LoadBacklog(ctx context.Context, platform string, limit int) ([]domain.Task, error) {
	q := `SELECT id, platform, url, role FROM page_backlog
		WHERE scraped_at IS NULL AND ($1 = '' OR platform = $1)
		ORDER BY added_at, id`
	args := []any{platform}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Task, error) {
		var t domain.Task
		err := row.Scan(&t.ID, &t.Platform, &t.URL, &t.Role)
		return t, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan backlog: %w", err)
	}
	return tasks, nil
}

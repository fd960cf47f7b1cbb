package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertTurnSQL = `INSERT INTO conversation_turns
		(id, session_id, role, content, interrupted, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	insertUsageSQL = `INSERT INTO token_usage
		(session_id, input_speech_tokens, input_text_tokens, output_speech_tokens, output_text_tokens, total_tokens, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// Postgres persists turns and usage with pgx
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, applies migrations and returns the sink
func NewPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (p *Postgres) SaveTurn(ctx context.Context, t TurnRecord) error {
	_, err := p.pool.Exec(ctx, insertTurnSQL,
		t.ID, t.SessionID, string(t.Role), t.Text, t.Interrupted, t.StartedAt, t.EndedAt)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (p *Postgres) SaveUsage(ctx context.Context, u UsageRecord) error {
	_, err := p.pool.Exec(ctx, insertUsageSQL,
		u.SessionID,
		u.Delta.Input.SpeechTokens, u.Delta.Input.TextTokens,
		u.Delta.Output.SpeechTokens, u.Delta.Output.TextTokens,
		u.Total, u.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// Check pings the database for the readiness endpoint
func (p *Postgres) Check(ctx context.Context) (bool, error) {
	if err := p.pool.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

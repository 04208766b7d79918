package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ringside/ammo"
)

//go:embed db_init.sql
var sqlFS embed.FS

// Postgres implements Gateway on a pgx pool. The schema is applied from
// the embedded db_init.sql on open.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenDatabase(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	sqlFile, err := sqlFS.ReadFile("db_init.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded db_init.sql: %w", err)
	}

	if _, err := pool.Exec(ctx, string(sqlFile)); err != nil {
		return nil, fmt.Errorf("failed to execute embedded db_init.sql: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateCall(
	ctx context.Context,
	meta CallMetadata,
) (string, error) {
	id := uuid.NewString()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO calls (id, tenant_id, user_id, prospect_name)
		 VALUES ($1, $2, $3, $4)`,
		id, meta.TenantID, meta.UserID, meta.ProspectName,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	return id, nil
}

func (p *Postgres) AppendTranscriptSegment(
	ctx context.Context,
	callID string,
	speaker int,
	text string,
	at time.Time,
) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transcript_segments (id, call_id, speaker, text, spoken_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), callID, speaker, text, at,
	)
	if err != nil {
		return fmt.Errorf("failed to append transcript segment: %w", err)
	}
	return nil
}

func (p *Postgres) RecordAmmo(
	ctx context.Context,
	callID string,
	item ammo.Item,
) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ammo_items
		   (id, call_id, quote, category, score, repetitions, heavy_hitter,
		    suggested_usage, call_offset_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), callID, item.Quote, string(item.Category),
		item.Score, item.Repetitions, item.HeavyHitter,
		item.SuggestedUsage, item.CallOffset.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record ammo: %w", err)
	}
	return nil
}

func (p *Postgres) SetActive(
	ctx context.Context,
	callID string,
	speakerCount int,
) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE calls SET state = 'active', speaker_count = $2 WHERE id = $1`,
		callID, speakerCount,
	)
	if err != nil {
		return fmt.Errorf("failed to mark call active: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteCall(
	ctx context.Context,
	callID string,
	done CallCompletion,
) error {
	talkTime, err := json.Marshal(talkTimeSeconds(done.TalkTime))
	if err != nil {
		return fmt.Errorf("failed to marshal talk time: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`UPDATE calls
		 SET state = 'completed',
		     completed_at = now(),
		     duration_seconds = $2,
		     recording_url = $3,
		     transcript = $4,
		     talk_time = $5
		 WHERE id = $1`,
		callID, done.Duration.Seconds(), done.RecordingURL,
		done.Transcript, talkTime,
	)
	if err != nil {
		return fmt.Errorf("failed to complete call: %w", err)
	}
	return nil
}

func (p *Postgres) GetTenantExtractionPolicy(
	ctx context.Context,
	tenantID string,
) (*ammo.Policy, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT policy FROM tenant_extraction_policies WHERE tenant_id = $1`,
		tenantID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up extraction policy: %w", err)
	}

	var policy ammo.Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode extraction policy: %w", err)
	}
	return &policy, nil
}

// ListRecentCalls backs the list-calls command.
func (p *Postgres) ListRecentCalls(
	ctx context.Context,
	limit int,
) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx,
		`SELECT c.id, c.tenant_id, c.prospect_name, c.state, c.started_at,
		        COALESCE(c.duration_seconds, 0),
		        (SELECT count(*) FROM ammo_items a WHERE a.call_id = c.id)
		 FROM calls c
		 ORDER BY c.started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []CallSummary
	for rows.Next() {
		var c CallSummary
		var seconds float64
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.ProspectName, &c.State,
			&c.StartedAt, &seconds, &c.AmmoCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call row: %w", err)
		}
		c.Duration = time.Duration(seconds * float64(time.Second))
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func talkTimeSeconds(talk map[int]time.Duration) map[int]float64 {
	out := make(map[int]float64, len(talk))
	for speaker, d := range talk {
		out[speaker] = d.Seconds()
	}
	return out
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quizflow-service/internal/domain"
	"github.com/uptrace/bun"
)

// QuizRecord is a row of the quizzes table.
type QuizRecord struct {
	bun.BaseModel `bun:"table:quizzes"`

	ID          string          `bun:"id,pk"`
	CreatorID   string          `bun:"creator_id"`
	Version     string          `bun:"version"`
	Document    json.RawMessage `bun:"document,type:jsonb"`
	PublishedAt time.Time       `bun:"published_at"`
}

// CreatorRecord is a row of the creators table.
type CreatorRecord struct {
	bun.BaseModel `bun:"table:creators"`

	ID        string   `bun:"id,pk"`
	Tier      string   `bun:"tier"`
	Allowlist []string `bun:"allowlist,array"`
}

// Publisher writes quizzes and creators through bun.
type Publisher struct {
	db *bun.DB
}

func NewPublisher(db *bun.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishQuiz inserts or replaces a quiz document.
func (p *Publisher) PublishQuiz(ctx context.Context, def *domain.QuizDefinition) error {
	doc, err := def.Encode()
	if err != nil {
		return fmt.Errorf("encode quiz %s: %w", def.ID, err)
	}
	rec := &QuizRecord{
		ID:          def.ID,
		CreatorID:   def.Metadata.CreatorID,
		Version:     def.Metadata.Version,
		Document:    doc,
		PublishedAt: time.Now().UTC(),
	}
	_, err = p.db.NewInsert().
		Model(rec).
		On("CONFLICT (id) DO UPDATE").
		Set("creator_id = EXCLUDED.creator_id").
		Set("version = EXCLUDED.version").
		Set("document = EXCLUDED.document").
		Set("published_at = EXCLUDED.published_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("publish quiz %s: %w", def.ID, err)
	}
	return nil
}

// UpsertCreator inserts or replaces a creator's tier and allowlist.
func (p *Publisher) UpsertCreator(ctx context.Context, c domain.Creator) error {
	rec := &CreatorRecord{ID: c.ID, Tier: c.Tier, Allowlist: c.Allowlist}
	if rec.Allowlist == nil {
		rec.Allowlist = []string{}
	}
	_, err := p.db.NewInsert().
		Model(rec).
		On("CONFLICT (id) DO UPDATE").
		Set("tier = EXCLUDED.tier").
		Set("allowlist = EXCLUDED.allowlist").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert creator %s: %w", c.ID, err)
	}
	return nil
}

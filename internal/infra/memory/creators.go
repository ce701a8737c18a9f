package memory

import (
	"context"

	"quizflow-service/internal/domain"
)

// CreatorDirectory serves creators from configuration.
type CreatorDirectory struct {
	creators map[string]domain.Creator
}

func NewCreatorDirectory(creators []domain.Creator) *CreatorDirectory {
	d := &CreatorDirectory{creators: make(map[string]domain.Creator, len(creators))}
	for _, c := range creators {
		d.creators[c.ID] = c
	}
	return d
}

func (d *CreatorDirectory) Creator(_ context.Context, creatorID string) (domain.Creator, error) {
	c, ok := d.creators[creatorID]
	if !ok {
		return domain.Creator{}, domain.ErrCreatorNotFound
	}
	return c, nil
}

package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

// MessagePublisher is the transport the publisher drains into.
type MessagePublisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error)
}

// Publisher moves committed outbox rows onto the message bus. Rows are
// retried until the attempt budget runs out; publishing is at-least-once,
// consumers dedupe on the envelope event id.
type Publisher struct {
	repo      *Repository
	transport MessagePublisher
	logg      *logger.Logger
	cfg       config.OutboxConfig
}

func NewPublisher(repo *Repository, transport MessagePublisher, logg *logger.Logger, cfg config.OutboxConfig) (*Publisher, error) {
	if repo == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if transport == nil {
		return nil, fmt.Errorf("message transport required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 500
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Publisher{repo: repo, transport: transport, logg: logg, cfg: cfg}, nil
}

// Run drains the outbox until the context is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(p.cfg.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if p.logg != nil {
				p.logg.Info(ctx, "outbox publisher stopping")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := p.DrainOnce(ctx); err != nil && p.logg != nil {
				p.logg.Error(ctx, "outbox drain failed", err)
			}
		}
	}
}

// DrainOnce publishes one batch of unpublished rows.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	rows, err := p.repo.FetchUnpublished(ctx, p.cfg.BatchSize, p.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("fetch unpublished: %w", err)
	}

	for _, row := range rows {
		attributes := map[string]string{
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
		}
		if _, err := p.transport.Publish(ctx, row.Payload, attributes); err != nil {
			if markErr := p.repo.MarkFailed(ctx, row.ID, err); markErr != nil {
				return fmt.Errorf("mark failed: %w", markErr)
			}
			if p.logg != nil {
				p.logg.Error(p.logg.WithField(ctx, "outbox_id", row.ID.String()), "outbox publish failed", err)
			}
			continue
		}
		if err := p.repo.MarkPublished(ctx, row.ID); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
	}
	return nil
}

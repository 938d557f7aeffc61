package delivery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPause is the wait after each sent part.
const DefaultPause = 500 * time.Millisecond

// Sender is a notification channel that accepts one message at a time.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Deliverer splits documents to the channel limit and sends the parts in
// order.
type Deliverer struct {
	log    *zap.Logger
	sender Sender

	Limit int
	Pause time.Duration
}

func NewDeliverer(log *zap.Logger, sender Sender) *Deliverer {
	return &Deliverer{
		log:    log,
		sender: sender,
		Limit:  TelegramMaxLength,
		Pause:  DefaultPause,
	}
}

// Deliver sends every part of doc. The first failed part aborts the rest of
// the document; nothing is retried.
func (d *Deliverer) Deliver(ctx context.Context, doc string) error {
	parts := Split(doc, d.Limit)
	for _, p := range parts {
		if err := d.sender.Send(ctx, p.Message()); err != nil {
			return errors.Wrapf(err, "send part %d/%d", p.Ordinal, p.Total)
		}
		d.log.Debug("Sent part", zap.Int("part", p.Ordinal), zap.Int("total", p.Total))
		if err := pause(ctx, d.Pause); err != nil && p.Ordinal < p.Total {
			return errors.Wrapf(err, "interrupted after part %d/%d", p.Ordinal, p.Total)
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

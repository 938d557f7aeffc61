// Package relay polls mail accounts and forwards new messages.
package relay

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mailforward/mailbox"
	"mailforward/message"
)

// DefaultMailbox is the mailbox watched when none is configured.
const DefaultMailbox = "INBOX"

// Deliverer sends one formatted document to the notification channel.
type Deliverer interface {
	Deliver(ctx context.Context, doc string) error
}

// Report summarizes one poll cycle.
type Report struct {
	Account   string
	Unseen    int
	Delivered int
	Failed    int
}

// Cycle runs the fetch, format and deliver sequence for one account.
type Cycle struct {
	log       *zap.Logger
	store     mailbox.Store
	decoder   *message.Decoder
	formatter *message.Formatter
	deliverer Deliverer

	Mailbox string
	// MarkSeen selects the mailbox read-write so fetched messages get \Seen.
	MarkSeen bool
}

func NewCycle(log *zap.Logger, store mailbox.Store, dec *message.Decoder, f *message.Formatter, d Deliverer) *Cycle {
	return &Cycle{
		log:       log,
		store:     store,
		decoder:   dec,
		formatter: f,
		deliverer: d,
		Mailbox:   DefaultMailbox,
	}
}

// Run polls acct once. Connection, login, select and search failures end the
// cycle with an error; a failure on a single message is logged and counted.
func (c *Cycle) Run(ctx context.Context, acct mailbox.Account) (rep Report, err error) {
	log := c.log.With(
		zap.String("account", acct.Username),
		zap.String("cycle", uuid.NewString()))
	rep.Account = acct.Username

	sess, err := c.store.Open(ctx, acct)
	if err != nil {
		log.Error("Failed to open mailbox session", zap.Error(err))
		return rep, errors.Wrap(err, "open session")
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("Failed to close mailbox", zap.Error(cerr))
		}
		if lerr := sess.Logout(); lerr != nil {
			log.Warn("Failed to log out", zap.Error(lerr))
		}
	}()

	if err := sess.Select(c.Mailbox, !c.MarkSeen); err != nil {
		log.Error("Failed to select mailbox", zap.String("mailbox", c.Mailbox), zap.Error(err))
		return rep, errors.Wrap(err, "select")
	}

	ids, err := sess.SearchUnseen()
	if err != nil {
		log.Error("Failed to search unseen messages", zap.Error(err))
		return rep, errors.Wrap(err, "search unseen")
	}
	rep.Unseen = len(ids)
	if len(ids) > 0 {
		log.Info("Found new emails", zap.Int("count", len(ids)))
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			log.Warn("Cycle cancelled, leaving remaining messages", zap.Int("remaining", rep.Unseen-rep.Delivered-rep.Failed))
			return rep, errors.Wrap(err, "cycle cancelled")
		}
		mlog := log.With(zap.Uint32("uid", uint32(id)))
		if err := c.forward(ctx, sess, id); err != nil {
			rep.Failed++
			mlog.Error("Email processing error", zap.Error(err))
			continue
		}
		rep.Delivered++
		mlog.Info("Forwarded email")
	}
	return rep, nil
}

func (c *Cycle) forward(ctx context.Context, sess mailbox.Session, id mailbox.ID) error {
	raw, err := sess.FetchFull(id)
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	env, err := message.Parse(raw, c.decoder)
	if err != nil {
		return errors.Wrap(err, "parse")
	}
	doc := c.formatter.Format(env)
	return errors.Wrap(c.deliverer.Deliver(ctx, doc), "deliver")
}

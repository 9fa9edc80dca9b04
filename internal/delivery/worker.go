package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/assembly"
	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/storage"
)

type Outcome string

const (
	OutcomeSkippedNoCredit  Outcome = "skipped_no_credit"
	OutcomeSkippedTooSoon   Outcome = "skipped_too_soon"
	OutcomeSkippedEmpty     Outcome = "skipped_empty"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeSent             Outcome = "sent"
	OutcomeFailed           Outcome = "failed"
)

// Selector runs a delivery query against the user's saved articles.
type Selector interface {
	Select(ctx context.Context, token string, q models.Query) ([]models.Article, error)
}

// Assembler builds and mails one periodical and returns the articles it
// actually contains.
type Assembler interface {
	AssembleAndSend(ctx context.Context, req assembly.Request) ([]models.Article, error)
}

// Result is what happened to one delivery in a pass. Err is set for Failed,
// and for Sent when the mailing could not be recorded.
type Result struct {
	Outcome  Outcome
	Delivery models.Delivery
	Mailing  *models.Mailing
	Err      error
}

type Worker struct {
	store          storage.Storage
	selector       Selector
	assembler      Assembler
	minInterval    time.Duration
	persistRetries []time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

func NewWorker(store storage.Storage, selector Selector, assembler Assembler, minInterval time.Duration, persistRetries []time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		store:          store,
		selector:       selector,
		assembler:      assembler,
		minInterval:    minInterval,
		persistRetries: persistRetries,
		log:            log,
		now:            time.Now,
	}
}

type processOptions struct {
	now            time.Time
	ignoreInterval bool
}

// Process runs one delivery for its owner. The owner's account stays locked
// from the credit check until the credit is spent, and the delivery and the
// balance are re-read under that lock so that a concurrent pass or on-demand
// delivery is always seen.
func (w *Worker) Process(ctx context.Context, d models.Delivery, ownerID string, acct *Account, opts processOptions) Result {
	acct.Lock()
	defer acct.Unlock()

	fresh, err := w.store.GetDelivery(ctx, d.ID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Delivery: d, Err: fmt.Errorf("reload delivery: %w", err)}
	}
	if fresh == nil {
		return Result{Outcome: OutcomeFailed, Delivery: d, Err: ErrDeliveryNotFound}
	}
	d = *fresh

	owner, err := w.store.GetUser(ctx, ownerID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Delivery: d, Err: fmt.Errorf("load owner %s: %w", ownerID, err)}
	}
	if owner == nil {
		return Result{Outcome: OutcomeFailed, Delivery: d, Err: fmt.Errorf("owner %s not found", ownerID)}
	}

	if acct.Available(owner.Credits) <= 0 {
		return Result{Outcome: OutcomeSkippedNoCredit, Delivery: d}
	}

	last := d.LastMailing()
	if last != nil && !opts.ignoreInterval {
		if elapsed := opts.now.Sub(last.SentAt); elapsed < w.minInterval {
			return Result{Outcome: OutcomeSkippedTooSoon, Delivery: d}
		}
	}

	articles, err := w.selector.Select(ctx, owner.Token, d.Query)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Delivery: d, Err: fmt.Errorf("select articles: %w", err)}
	}
	if len(articles) == 0 {
		return Result{Outcome: OutcomeSkippedEmpty, Delivery: d}
	}

	if d.NoDuplicates && last != nil && overlaps(last, articles) {
		return Result{Outcome: OutcomeSkippedDuplicate, Delivery: d}
	}

	mailingID := models.NewID("mail")
	delivered, err := w.assembler.AssembleAndSend(ctx, assembly.Request{
		Destination: d.KindleEmail,
		DeliveryID:  d.ID,
		MailingID:   mailingID,
		Token:       owner.Token,
		Articles:    articles,
		AutoArchive: d.AutoArchive,
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed, Delivery: d, Err: err}
	}

	mailing := &models.Mailing{
		ID:         mailingID,
		DeliveryID: d.ID,
		SentAt:     w.now().UTC(),
		Articles:   make([]models.SavedArticle, 0, len(delivered)),
	}
	for _, a := range delivered {
		mailing.Articles = append(mailing.Articles, a.Saved())
	}
	d.Mailings = append(d.Mailings, *mailing)

	return Result{
		Outcome:  OutcomeSent,
		Delivery: d,
		Mailing:  mailing,
		Err:      w.persist(ctx, d.ID, owner.ID, acct, mailing),
	}
}

// persist records an accepted mailing and charges the owner. Both are
// attempted even if one fails, and both keep going after the pass is
// cancelled since the periodical has already left. A charge that cannot be
// stored is kept on the account.
func (w *Worker) persist(ctx context.Context, deliveryID, userID string, acct *Account, m *models.Mailing) error {
	ctx = context.WithoutCancel(ctx)
	var failed []error

	err := retry(ctx, w.persistRetries, func() error {
		return w.store.AppendMailing(ctx, m)
	})
	if err != nil {
		failed = append(failed, &PersistenceError{DeliveryID: deliveryID, MailingID: m.ID, Op: "append mailing", Err: err})
	}

	err = retry(ctx, w.persistRetries, func() error {
		err := w.store.DecrementCredits(ctx, userID)
		if errors.Is(err, storage.ErrNoCredits) {
			w.log.Warn().Str("user_id", userID).Str("delivery_id", deliveryID).Msg("persisted balance already empty")
			return nil
		}
		return err
	})
	if err != nil {
		acct.Owe()
		failed = append(failed, &PersistenceError{DeliveryID: deliveryID, MailingID: m.ID, Op: "decrement credits", Err: err})
	}

	return errors.Join(failed...)
}

// overlaps reports whether any candidate was part of the previous mailing.
func overlaps(last *models.Mailing, articles []models.Article) bool {
	sent := last.ItemIDs()
	for _, a := range articles {
		if _, ok := sent[a.ItemID]; ok {
			return true
		}
	}
	return false
}

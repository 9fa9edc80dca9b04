// Package delivery decides which deliveries are due and drives them through
// selection and assembly.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/kindlerelay/internal/config"
	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/storage"
)

type Dispatcher struct {
	store       storage.Storage
	selector    Selector
	worker      *Worker
	ledger      *CreditLedger
	concurrency int
	log         zerolog.Logger
	now         func() time.Time
}

func NewDispatcher(cfg config.DeliveryConfig, store storage.Storage, selector Selector, assembler Assembler, log zerolog.Logger) *Dispatcher {
	schedule := cfg.PersistRetries
	if len(schedule) == 0 {
		schedule = DefaultPersistRetries
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = 12 * time.Hour
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	log = log.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		store:       store,
		selector:    selector,
		worker:      NewWorker(store, selector, assembler, minInterval, schedule, log),
		ledger:      NewCreditLedger(),
		concurrency: concurrency,
		log:         log,
		now:         time.Now,
	}
}

// DispatchDue sends every delivery due at now and returns those that were
// sent. A failing delivery never stops the others; only a failure to list
// the candidates is returned as an error.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) ([]models.Delivery, error) {
	filter := DueFilterAt(now)
	candidates, err := d.store.FindDueDeliveries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find due deliveries: %w", err)
	}

	d.log.Info().
		Str("slot", filter.Slot).
		Str("weekday", filter.Weekday).
		Str("month_day", filter.MonthDay).
		Int("candidates", len(candidates)).
		Msg("dispatch pass started")

	var (
		mu     sync.Mutex
		sent   []models.Delivery
		counts = make(map[Outcome]int)
	)

	p := pool.New().WithMaxGoroutines(d.concurrency)
	for _, c := range candidates {
		c := c
		p.Go(func() {
			res := d.process(ctx, c, processOptions{now: now})

			mu.Lock()
			defer mu.Unlock()
			counts[res.Outcome]++
			if res.Outcome == OutcomeSent {
				sent = append(sent, res.Delivery)
			}
		})
	}
	p.Wait()

	ev := d.log.Info().Int("sent", len(sent))
	for outcome, n := range counts {
		ev = ev.Int(string(outcome), n)
	}
	ev.Msg("dispatch pass finished")

	return sent, nil
}

// Deliver sends one delivery right away, regardless of its slot and of when
// it was last sent. Credits and an empty selection still stop it.
func (d *Dispatcher) Deliver(ctx context.Context, deliveryID string) (Result, error) {
	c, err := d.load(ctx, deliveryID)
	if err != nil {
		return Result{}, err
	}
	res := d.process(ctx, *c, processOptions{now: d.now(), ignoreInterval: true})
	return res, nil
}

// Preview runs the delivery's query without sending anything.
func (d *Dispatcher) Preview(ctx context.Context, deliveryID string) ([]models.Article, error) {
	c, err := d.load(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	return d.selector.Select(ctx, c.Owner.User.Token, c.Delivery.Query)
}

func (d *Dispatcher) load(ctx context.Context, deliveryID string) (*storage.DueDelivery, error) {
	dl, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if dl == nil {
		return nil, ErrDeliveryNotFound
	}
	owner, err := d.store.GetUser(ctx, dl.UserID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %s of delivery %s not found", dl.UserID, dl.ID)
	}
	return &storage.DueDelivery{Delivery: *dl, Owner: models.UserRef{ID: owner.ID, User: owner}}, nil
}

// process runs one candidate, turning panics into a Failed result, and logs
// the outcome.
func (d *Dispatcher) process(ctx context.Context, c storage.DueDelivery, opts processOptions) Result {
	res := Result{Outcome: OutcomeFailed, Delivery: c.Delivery}

	var pc panics.Catcher
	pc.Try(func() {
		res = d.worker.Process(ctx, c.Delivery, c.Owner.ID, d.ledger.Account(c.Owner.ID), opts)
	})
	if r := pc.Recovered(); r != nil {
		res = Result{Outcome: OutcomeFailed, Delivery: c.Delivery, Err: r.AsError()}
	}

	d.logResult(c, res)
	return res
}

func (d *Dispatcher) logResult(c storage.DueDelivery, res Result) {
	ev := d.log.Info()
	switch {
	case res.Outcome == OutcomeFailed:
		ev = d.log.Warn().Err(res.Err)
	case res.Err != nil:
		ev = d.log.Error().Err(res.Err).Bool("alert", true)
	}
	ev = ev.
		Str("delivery_id", c.Delivery.ID).
		Str("user_id", c.Owner.ID).
		Str("outcome", string(res.Outcome))
	if res.Mailing != nil {
		ev = ev.Str("mailing_id", res.Mailing.ID).Int("articles", len(res.Mailing.Articles))
	}
	ev.Msg("delivery processed")
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/kindlerelay/internal/assembly"
	"github.com/shohag/kindlerelay/internal/config"
	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/storage"
)

// noon is a Saturday at 13:00 UTC, inside the Noon slot.
var noon = time.Date(2024, 3, 9, 13, 0, 0, 0, time.UTC)

type fakeSelector struct {
	mu       sync.Mutex
	articles []models.Article
	errFor   map[string]error
	calls    int
}

func (f *fakeSelector) Select(ctx context.Context, token string, q models.Query) ([]models.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errFor[token]; err != nil {
		return nil, err
	}
	return append([]models.Article(nil), f.articles...), nil
}

type fakeAssembler struct {
	mu       sync.Mutex
	requests []assembly.Request
	failFor  map[string]error
	panicFor map[string]bool
	delay    time.Duration

	// unreadable item ids are left out of the periodical
	unreadable map[string]bool

	// started, when set, receives each delivery id as its send begins;
	// gate, when set, holds the send until it is closed.
	started chan string
	gate    chan struct{}
}

func (f *fakeAssembler) AssembleAndSend(ctx context.Context, req assembly.Request) ([]models.Article, error) {
	if f.panicFor[req.DeliveryID] {
		panic("renderer exploded")
	}
	if f.started != nil {
		f.started <- req.DeliveryID
	}
	if f.gate != nil {
		<-f.gate
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[req.DeliveryID]; err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)
	var delivered []models.Article
	for _, a := range req.Articles {
		if !f.unreadable[a.ItemID] {
			delivered = append(delivered, a)
		}
	}
	return delivered, nil
}

func (f *fakeAssembler) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// flakyStore fails every mailing append.
type flakyStore struct {
	storage.Storage
	appends int
}

func (s *flakyStore) AppendMailing(ctx context.Context, m *models.Mailing) error {
	s.appends++
	return errors.New("disk full")
}

// unchargeableStore never manages to decrement a balance.
type unchargeableStore struct {
	storage.Storage
}

func (unchargeableStore) DecrementCredits(ctx context.Context, id string) error {
	return errors.New("database is locked")
}

type harness struct {
	store      *storage.SQLiteStorage
	selector   *fakeSelector
	assembler  *fakeAssembler
	dispatcher *Dispatcher
	clock      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	h := &harness{
		store:     store,
		selector:  &fakeSelector{articles: articles(1, 2, 3), errFor: map[string]error{}},
		assembler: &fakeAssembler{failFor: map[string]error{}, panicFor: map[string]bool{}},
		clock:     noon,
	}
	h.dispatcher = h.newDispatcher(store)
	return h
}

func (h *harness) newDispatcher(store storage.Storage) *Dispatcher {
	d := NewDispatcher(config.DeliveryConfig{
		Concurrency:    4,
		MinInterval:    12 * time.Hour,
		PersistRetries: []time.Duration{time.Millisecond},
	}, store, h.selector, h.assembler, zerolog.Nop())
	d.worker.now = func() time.Time { return h.clock }
	d.now = func() time.Time { return h.clock }
	return d
}

func (h *harness) user(t *testing.T, credits int) *models.User {
	t.Helper()
	u := &models.User{
		ID:           models.NewID("usr"),
		Username:     models.NewID("name"),
		Token:        models.NewID("tok"),
		Active:       true,
		Subscription: models.SubscriptionFree,
		Credits:      credits,
		CreatedAt:    noon,
		UpdatedAt:    noon,
	}
	require.NoError(t, h.store.CreateUser(context.Background(), u))
	return u
}

func (h *harness) delivery(t *testing.T, u *models.User, mutate ...func(*models.Delivery)) *models.Delivery {
	t.Helper()
	d := &models.Delivery{
		ID:          models.NewID("dlv"),
		UserID:      u.ID,
		KindleEmail: "reader@kindle.com",
		Active:      true,
		Query:       models.Query{CountType: models.CountByArticles, Count: 3, OrderBy: models.OrderNewest},
		Frequency:   models.FrequencyDaily,
		Time:        string(SlotNoon),
		CreatedAt:   noon,
		UpdatedAt:   noon,
	}
	for _, m := range mutate {
		m(d)
	}
	require.NoError(t, h.store.CreateDelivery(context.Background(), d))
	return d
}

func (h *harness) credits(t *testing.T, u *models.User) int {
	t.Helper()
	got, err := h.store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	return got.Credits
}

func (h *harness) mailings(t *testing.T, d *models.Delivery) []models.Mailing {
	t.Helper()
	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	return got.Mailings
}

func articles(ids ...int) []models.Article {
	out := make([]models.Article, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Article{
			ItemID:    fmt.Sprint(id),
			URL:       fmt.Sprintf("https://example.com/%d", id),
			Title:     fmt.Sprintf("Article %d", id),
			WordCount: 1000,
		})
	}
	return out
}

func TestDispatchDueSendsAndRecords(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 3)
	d := h.delivery(t, u, func(d *models.Delivery) { d.AutoArchive = true })

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)

	require.Len(t, sent, 1)
	assert.Equal(t, d.ID, sent[0].ID)
	assert.Len(t, sent[0].Mailings, 1)
	assert.Equal(t, 2, h.credits(t, u))

	require.Len(t, h.assembler.requests, 1)
	req := h.assembler.requests[0]
	assert.Equal(t, "reader@kindle.com", req.Destination)
	assert.Equal(t, u.Token, req.Token)
	assert.True(t, req.AutoArchive)

	mailings := h.mailings(t, d)
	require.Len(t, mailings, 1)
	assert.Equal(t, req.MailingID, mailings[0].ID, "links in the issue point at the stored mailing")
	assert.Equal(t, []models.SavedArticle{
		{ItemID: "1", URL: "https://example.com/1", Title: "Article 1"},
		{ItemID: "2", URL: "https://example.com/2", Title: "Article 2"},
		{ItemID: "3", URL: "https://example.com/3", Title: "Article 3"},
	}, mailings[0].Articles)
	assert.True(t, noon.Equal(mailings[0].SentAt))
}

func TestMailingRecordsOnlyDeliveredArticles(t *testing.T) {
	h := newHarness(t)
	h.assembler.unreadable = map[string]bool{"2": true}
	u := h.user(t, 5)
	d := h.delivery(t, u, func(d *models.Delivery) { d.NoDuplicates = true })

	_, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	mailings := h.mailings(t, d)
	require.Len(t, mailings, 1)
	assert.Len(t, mailings[0].Articles, 2)
	assert.NotContains(t, mailings[0].ItemIDs(), "2")

	// article 2 never reached the reader, so it is not a duplicate
	h.assembler.unreadable = nil
	h.selector.articles = articles(2)
	h.clock = noon.Add(24 * time.Hour)
	sent, err := h.dispatcher.DispatchDue(context.Background(), h.clock)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestDispatchDueOnlyMatchingSlot(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 5)
	h.delivery(t, u)

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon.Add(-6*time.Hour)) // 07:00, Dawn
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Zero(t, h.selector.calls)
}

func TestDispatchDueSkipsUserWithoutCredits(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 0)
	h.delivery(t, u)

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Zero(t, h.assembler.sent())
	assert.Zero(t, h.selector.calls)
}

func TestDispatchDueSpendsLastCreditOnce(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1)
	h.delivery(t, u)
	h.delivery(t, u)
	h.delivery(t, u)

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
	assert.Equal(t, 1, h.assembler.sent())
	assert.Equal(t, 0, h.credits(t, u))
}

func TestDispatchDueCreditsAreTrackedWithinPass(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 2)
	for i := 0; i < 4; i++ {
		h.delivery(t, u)
	}

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	assert.Len(t, sent, 2)
	assert.Equal(t, 0, h.credits(t, u))
}

func TestDispatchDueEnforcesMinInterval(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 5)
	d := h.delivery(t, u)
	require.NoError(t, h.store.AppendMailing(context.Background(), &models.Mailing{
		ID:         models.NewID("mail"),
		DeliveryID: d.ID,
		SentAt:     noon.Add(-6 * time.Hour),
		Articles:   []models.SavedArticle{{ItemID: "9"}},
	}))

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Zero(t, h.selector.calls, "too soon is decided before selecting")
	assert.Equal(t, 5, h.credits(t, u))
}

func TestDispatchDueNoDuplicatesAcrossPasses(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 5)
	d := h.delivery(t, u, func(d *models.Delivery) { d.NoDuplicates = true })

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	require.Len(t, sent, 1)

	// same saved articles a day later
	h.clock = noon.Add(24 * time.Hour)
	sent, err = h.dispatcher.DispatchDue(context.Background(), h.clock)
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Len(t, h.mailings(t, d), 1)
	assert.Equal(t, 4, h.credits(t, u))

	// new articles are delivered
	h.selector.articles = articles(4, 5)
	h.clock = noon.Add(48 * time.Hour)
	sent, err = h.dispatcher.DispatchDue(context.Background(), h.clock)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
	assert.Len(t, h.mailings(t, d), 2)
}

func TestDispatchDueDuplicatesAllowed(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 5)
	d := h.delivery(t, u)

	_, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)

	h.clock = noon.Add(24 * time.Hour)
	sent, err := h.dispatcher.DispatchDue(context.Background(), h.clock)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	mailings := h.mailings(t, d)
	require.Len(t, mailings, 2)
	assert.Equal(t, mailings[0].Articles, mailings[1].Articles)
	assert.True(t, mailings[1].SentAt.After(mailings[0].SentAt))
}

func TestDispatchDueSkipsEmptySelection(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 5)
	h.delivery(t, u)
	h.selector.articles = nil

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Zero(t, h.assembler.sent())
	assert.Equal(t, 5, h.credits(t, u))
}

func TestDispatchDueIsolatesFailures(t *testing.T) {
	h := newHarness(t)

	failing := h.user(t, 5)
	failed := h.delivery(t, failing)
	h.assembler.failFor[failed.ID] = &assembly.TransportError{Stage: "send", StatusCode: 500}

	panicking := h.user(t, 5)
	exploded := h.delivery(t, panicking)
	h.assembler.panicFor[exploded.ID] = true

	broken := h.user(t, 5)
	h.delivery(t, broken)
	h.selector.errFor[broken.Token] = errors.New("source unavailable")

	healthy := h.user(t, 5)
	ok := h.delivery(t, healthy)

	sent, err := h.dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, ok.ID, sent[0].ID)

	assert.Equal(t, 5, h.credits(t, failing))
	assert.Empty(t, h.mailings(t, failed))
	assert.Equal(t, 5, h.credits(t, panicking))
	assert.Empty(t, h.mailings(t, exploded))
	assert.Equal(t, 5, h.credits(t, broken))
	assert.Equal(t, 4, h.credits(t, healthy))
}

func TestDispatchDuePersistenceFailureAfterSend(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 2)
	d := h.delivery(t, u)
	flaky := &flakyStore{Storage: h.store}
	dispatcher := h.newDispatcher(flaky)

	sent, err := dispatcher.DispatchDue(context.Background(), noon)
	require.NoError(t, err)
	require.Len(t, sent, 1, "the issue left, so it counts as sent")
	assert.Equal(t, 2, flaky.appends, "one try plus one retry")
	assert.Empty(t, h.mailings(t, d))
	assert.Equal(t, 1, h.credits(t, u), "credit is still charged")
}

func TestWorkerReportsPersistenceError(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 2)
	d := h.delivery(t, u)
	dispatcher := h.newDispatcher(&flakyStore{Storage: h.store})

	res := dispatcher.worker.Process(context.Background(), *d, u.ID, NewCreditLedger().Account(u.ID), processOptions{now: noon})
	assert.Equal(t, OutcomeSent, res.Outcome)
	var perr *PersistenceError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, "append mailing", perr.Op)
	assert.Equal(t, res.Mailing.ID, perr.MailingID)
}

func TestDispatchDueAndDeliverShareCredits(t *testing.T) {
	h := newHarness(t)
	h.assembler.delay = 50 * time.Millisecond
	u := h.user(t, 1)
	first := h.delivery(t, u)
	h.delivery(t, u)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := h.dispatcher.DispatchDue(context.Background(), noon)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := h.dispatcher.Deliver(context.Background(), first.ID)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, 1, h.assembler.sent(), "one credit buys one periodical")
	assert.Equal(t, 0, h.credits(t, u))
}

func TestOverlappingPassesSendOnce(t *testing.T) {
	h := newHarness(t)
	h.assembler.delay = 50 * time.Millisecond
	u := h.user(t, 5)
	d := h.delivery(t, u)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.dispatcher.DispatchDue(context.Background(), noon)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.assembler.sent(), "the second pass sees the first mailing")
	assert.Len(t, h.mailings(t, d), 1)
	assert.Equal(t, 4, h.credits(t, u))
}

func TestUnrecordedChargeStillBlocksNextSend(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1)
	d := h.delivery(t, u)
	dispatcher := h.newDispatcher(unchargeableStore{Storage: h.store})

	res, err := dispatcher.Deliver(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	var perr *PersistenceError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, "decrement credits", perr.Op)
	assert.Equal(t, 1, h.credits(t, u))

	res, err = dispatcher.Deliver(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedNoCredit, res.Outcome)
	assert.Equal(t, 1, h.assembler.sent())
}

func TestDeliverIgnoresIntervalButNotCredits(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1)
	d := h.delivery(t, u, func(d *models.Delivery) { d.Time = string(SlotMidnight) })
	require.NoError(t, h.store.AppendMailing(context.Background(), &models.Mailing{
		ID:         models.NewID("mail"),
		DeliveryID: d.ID,
		SentAt:     noon.Add(-time.Hour),
	}))

	res, err := h.dispatcher.Deliver(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.NoError(t, res.Err)

	res, err = h.dispatcher.Deliver(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedNoCredit, res.Outcome)

	_, err = h.dispatcher.Deliver(context.Background(), "dlv_missing")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
}

func TestPreview(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 0)
	d := h.delivery(t, u)

	got, err := h.dispatcher.Preview(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Zero(t, h.assembler.sent())

	_, err = h.dispatcher.Preview(context.Background(), "dlv_missing")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
}

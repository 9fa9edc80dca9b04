package selection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/source"
)

// fakeSource serves a fixed article list page by page, reversing each page
// so that the engine has to restore sort order itself.
type fakeSource struct {
	articles []models.Article
	infinite bool
	failAt   int
	err      error
	calls    []source.GetQuery
}

func (f *fakeSource) Get(ctx context.Context, token string, q source.GetQuery) (*source.Page, error) {
	f.calls = append(f.calls, q)
	if f.err != nil && len(f.calls) == f.failAt {
		return nil, f.err
	}

	var page []models.Article
	if f.infinite {
		for i := 0; i < q.Count; i++ {
			n := q.Offset + i
			page = append(page, models.Article{ItemID: fmt.Sprint(n), SortID: n, HasVideo: true})
		}
	} else if q.Offset < len(f.articles) {
		end := q.Offset + q.Count
		if end > len(f.articles) {
			end = len(f.articles)
		}
		page = append(page, f.articles[q.Offset:end]...)
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return &source.Page{Status: 1, Articles: page}, nil
}

func article(id int, words int, tags ...string) models.Article {
	return models.Article{
		ItemID:    fmt.Sprint(id),
		URL:       fmt.Sprintf("https://example.com/%d", id),
		Title:     fmt.Sprintf("Article %d", id),
		WordCount: words,
		Tags:      tags,
		SortID:    id,
	}
}

func ids(articles []models.Article) []string {
	out := make([]string, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.ItemID)
	}
	return out
}

func countQuery(n int) models.Query {
	return models.Query{CountType: models.CountByArticles, Count: n, OrderBy: models.OrderNewest}
}

func TestSelectExcludedTagsExample(t *testing.T) {
	src := &fakeSource{articles: []models.Article{
		article(1, 1000),
		article(2, 1000, "paywall"),
		article(3, 1000),
		article(4, 1000, "paywall"),
		article(5, 1000),
	}}
	q := countQuery(3)
	q.ExcludedTags = []string{"paywall"}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "5"}, ids(got))
}

func TestSelectPageParameters(t *testing.T) {
	src := &fakeSource{articles: []models.Article{article(1, 10), article(2, 10)}}
	q := countQuery(4)
	q.OrderBy = models.OrderOldest
	q.Domain = "example.com"

	_, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", q)
	require.NoError(t, err)

	require.Len(t, src.calls, 2)
	assert.Equal(t, source.GetQuery{Offset: 0, Count: 4, Sort: "oldest", Domain: "example.com"}, src.calls[0])
	assert.Equal(t, source.GetQuery{Offset: 4, Count: 4, Sort: "oldest", Domain: "example.com"}, src.calls[1])

	src = &fakeSource{}
	_, err = NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok",
		models.Query{CountType: models.CountByTime, Count: 30, OrderBy: models.OrderNewest})
	require.NoError(t, err)
	require.Len(t, src.calls, 1)
	assert.Equal(t, DefaultPageSize, src.calls[0].Count)
}

func TestSelectRestoresSourceOrder(t *testing.T) {
	src := &fakeSource{articles: []models.Article{article(1, 10), article(2, 10), article(3, 10)}}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", countQuery(3))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids(got))
}

func TestSelectSkipsVideos(t *testing.T) {
	video := article(2, 1000)
	video.HasVideo = true
	src := &fakeSource{articles: []models.Article{article(1, 1000), video, article(3, 1000)}}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", countQuery(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(got))
	for _, a := range got {
		assert.False(t, a.HasVideo)
	}
}

func TestSelectIncludedAndExcludedTags(t *testing.T) {
	src := &fakeSource{articles: []models.Article{
		article(1, 100, "go"),
		article(2, 100, "rust"),
		article(3, 100, "go", "paywall"),
		article(4, 100),
		article(5, 100, "rust", "go"),
	}}
	q := countQuery(10)
	q.IncludedTags = []string{"go"}
	q.ExcludedTags = []string{"paywall"}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "5"}, ids(got))
	for _, a := range got {
		assert.True(t, a.HasTag("go"))
		assert.False(t, a.HasTag("paywall"))
	}
}

func TestSelectLongformOnly(t *testing.T) {
	src := &fakeSource{articles: []models.Article{
		article(1, 4599), // just under 20 minutes
		article(2, 4600), // exactly 20 minutes
		article(3, 12000),
		article(4, 200),
	}}
	q := countQuery(10)
	q.LongformOnly = true

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, ids(got))
	for _, a := range got {
		assert.GreaterOrEqual(t, a.ReadingMinutes(), float64(LongformMinutes))
	}
}

func TestSelectTimeBudgetOvershoots(t *testing.T) {
	// 25 minute articles against a 30 minute budget
	var articles []models.Article
	for i := 1; i <= 6; i++ {
		articles = append(articles, article(i, 25*models.WordsPerMinute))
	}
	src := &fakeSource{articles: articles}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok",
		models.Query{CountType: models.CountByTime, Count: 30, OrderBy: models.OrderNewest})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(got))
	assert.Len(t, src.calls, 1)
}

func TestSelectUndershootsWhenSourceIsExhausted(t *testing.T) {
	src := &fakeSource{articles: []models.Article{article(1, 10), article(2, 10), article(3, 10), article(4, 10)}}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", countQuery(3*4))
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Len(t, src.calls, 2, "second page is empty and ends the loop")
}

func TestSelectStopsAtPageCap(t *testing.T) {
	src := &fakeSource{infinite: true}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", countQuery(3))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, src.calls, MaxQueries)
}

func TestSelectCountBound(t *testing.T) {
	var articles []models.Article
	for i := 1; i <= 50; i++ {
		articles = append(articles, article(i, 100))
	}
	for n := 1; n <= 12; n++ {
		src := &fakeSource{articles: articles}
		got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", countQuery(n))
		require.NoError(t, err)
		assert.Len(t, got, n)
		assert.LessOrEqual(t, len(src.calls), MaxQueries)
	}
}

func TestSelectPropagatesSourceError(t *testing.T) {
	srcErr := &source.Error{StatusCode: 503, Message: "down"}
	src := &fakeSource{
		articles: []models.Article{article(1, 10), article(2, 10), article(3, 10)},
		failAt:   2,
		err:      srcErr,
	}

	got, err := NewEngine(src, zerolog.Nop()).Select(context.Background(), "tok", countQuery(2*2))
	assert.Nil(t, got, "no partial result")
	var target *source.Error
	require.True(t, errors.As(err, &target))
	assert.Same(t, srcErr, target)
}

func TestAccept(t *testing.T) {
	q := models.Query{IncludedTags: []string{"a"}, ExcludedTags: []string{"a"}}
	assert.False(t, Accept(q, article(1, 10, "a")), "exclusion wins over inclusion")
	assert.True(t, Accept(models.Query{}, article(1, 10)))
}

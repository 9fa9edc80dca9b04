// Package selection turns a delivery query into a bounded list of articles.
package selection

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/source"
)

const (
	// MaxQueries caps the number of pages fetched for one selection. The cap is
	// inclusive: at most MaxQueries fetches, never MaxQueries+1.
	MaxQueries = 5
	// DefaultPageSize is used unless the query counts articles.
	DefaultPageSize = 20
	// LongformMinutes is the minimum reading time of a longform article.
	LongformMinutes = 20
)

type PageFetcher interface {
	Get(ctx context.Context, token string, q source.GetQuery) (*source.Page, error)
}

type Engine struct {
	source PageFetcher
	log    zerolog.Logger
}

func NewEngine(src PageFetcher, log zerolog.Logger) *Engine {
	return &Engine{source: src, log: log}
}

// Select pages through the user's saved articles and returns those passing
// the query filters until the query budget is spent. The result may overshoot
// the budget by the last accepted article, or fall short when the source runs
// dry or MaxQueries pages have been read.
func (e *Engine) Select(ctx context.Context, token string, q models.Query) ([]models.Article, error) {
	pageSize := DefaultPageSize
	if q.CountType == models.CountByArticles {
		pageSize = q.Count
	}
	budget := float64(q.Count)

	var selected []models.Article
	spent := 0.0

	for i := 0; spent < budget && i < MaxQueries; i++ {
		page, err := e.source.Get(ctx, token, source.GetQuery{
			Offset: i * pageSize,
			Count:  pageSize,
			Sort:   strings.ToLower(string(q.OrderBy)),
			Domain: q.Domain,
		})
		if err != nil {
			return nil, err
		}
		if len(page.Articles) == 0 {
			break
		}

		articles := append([]models.Article(nil), page.Articles...)
		sort.SliceStable(articles, func(a, b int) bool { return articles[a].SortID < articles[b].SortID })

		for _, a := range articles {
			if !Accept(q, a) {
				continue
			}
			e.log.Debug().Str("item_id", a.ItemID).Str("title", a.Title).Msg("article selected")
			selected = append(selected, a)
			if q.CountType == models.CountByArticles {
				spent++
			} else {
				spent += a.ReadingMinutes()
			}
			if spent >= budget {
				break
			}
		}
	}

	return selected, nil
}

// Accept applies the query filters in order: video, included tags,
// excluded tags, longform.
func Accept(q models.Query, a models.Article) bool {
	if a.HasVideo {
		return false
	}
	if len(q.IncludedTags) > 0 && !hasAny(a, q.IncludedTags) {
		return false
	}
	if len(q.ExcludedTags) > 0 && hasAny(a, q.ExcludedTags) {
		return false
	}
	if q.LongformOnly && a.ReadingMinutes() < LongformMinutes {
		return false
	}
	return true
}

func hasAny(a models.Article, tags []string) bool {
	for _, t := range tags {
		if a.HasTag(t) {
			return true
		}
	}
	return false
}

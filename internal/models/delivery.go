package models

import (
	"fmt"
	"time"
)

type CountType string

const (
	CountByArticles CountType = "Count"
	CountByTime     CountType = "Time"
)

type OrderBy string

const (
	OrderNewest OrderBy = "Newest"
	OrderOldest OrderBy = "Oldest"
)

type Frequency string

const (
	FrequencyDaily  Frequency = "Daily"
	FrequencyWeekly Frequency = "Weekly"
)

// Query is the saved selection a delivery runs against the article source.
type Query struct {
	CountType    CountType `json:"countType"`
	Count        int       `json:"count"`
	OrderBy      OrderBy   `json:"orderBy"`
	Domain       string    `json:"domain,omitempty"`
	IncludedTags []string  `json:"includedTags,omitempty"`
	ExcludedTags []string  `json:"excludedTags,omitempty"`
	LongformOnly bool      `json:"longformOnly,omitempty"`
}

func (q Query) Validate() error {
	switch q.CountType {
	case CountByArticles, CountByTime:
	default:
		return fmt.Errorf("invalid countType %q", q.CountType)
	}
	switch q.OrderBy {
	case OrderNewest, OrderOldest:
	default:
		return fmt.Errorf("invalid orderBy %q", q.OrderBy)
	}
	if q.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	return nil
}

type Mailing struct {
	ID         string         `json:"id"`
	DeliveryID string         `json:"delivery_id"`
	SentAt     time.Time      `json:"datetime"`
	Articles   []SavedArticle `json:"articles"`
}

// ItemIDs returns the source identifiers of the mailed articles.
func (m Mailing) ItemIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(m.Articles))
	for _, a := range m.Articles {
		ids[a.ItemID] = struct{}{}
	}
	return ids
}

type Delivery struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	KindleEmail  string    `json:"kindle_email"`
	Active       bool      `json:"active"`
	Query        Query     `json:"query"`
	Frequency    Frequency `json:"frequency"`
	Time         string    `json:"time"`
	Days         []string  `json:"days,omitempty"`
	AutoArchive  bool      `json:"autoArchive"`
	NoDuplicates bool      `json:"noDuplicates"`
	Mailings     []Mailing `json:"mailings"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LastMailing returns the most recently appended mailing, or nil.
func (d *Delivery) LastMailing() *Mailing {
	if len(d.Mailings) == 0 {
		return nil
	}
	return &d.Mailings[len(d.Mailings)-1]
}

func (d *Delivery) Validate() error {
	if !IsKindleEmail(d.KindleEmail) {
		return fmt.Errorf("%s not a valid kindle email", d.KindleEmail)
	}
	if err := d.Query.Validate(); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	switch d.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if len(d.Days) == 0 {
			return fmt.Errorf("days are required for %s deliveries", d.Frequency)
		}
	default:
		return fmt.Errorf("invalid frequency %q", d.Frequency)
	}
	if d.Time == "" {
		return fmt.Errorf("time is required")
	}
	return nil
}

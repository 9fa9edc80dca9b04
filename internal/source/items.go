package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shohag/kindlerelay/internal/models"
)

type GetQuery struct {
	Offset int
	Count  int
	Sort   string
	Domain string
}

type Page struct {
	Status   int
	Articles []models.Article
}

// Get returns one page of the user's saved items. Articles come back in
// source order, which is the map order of the response and therefore random.
func (c *Client) Get(ctx context.Context, token string, q GetQuery) (*Page, error) {
	body := map[string]interface{}{
		"access_token": token,
		"offset":       q.Offset,
		"count":        q.Count,
		"sort":         q.Sort,
		"detailType":   "complete",
	}
	if q.Domain != "" {
		body["domain"] = q.Domain
	}

	var resp getResponse
	if err := c.post(ctx, "/v3/get", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil && *resp.Error != "" {
		return nil, &Error{StatusCode: 200, Message: *resp.Error}
	}

	items, err := resp.items()
	if err != nil {
		return nil, err
	}
	page := &Page{Status: resp.Status, Articles: make([]models.Article, 0, len(items))}
	for _, it := range items {
		page.Articles = append(page.Articles, it.article())
	}
	return page, nil
}

type getResponse struct {
	Status int             `json:"status"`
	Error  *string         `json:"error"`
	List   json.RawMessage `json:"list"`
}

// items decodes the list field, which is an object keyed by item id or an
// empty array when nothing matched.
func (r getResponse) items() (map[string]item, error) {
	raw := bytes.TrimSpace(r.List)
	if len(raw) == 0 || raw[0] == '[' || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items map[string]item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode item list: %w", err)
	}
	return items, nil
}

type item struct {
	ItemID        string             `json:"item_id"`
	GivenURL      string             `json:"given_url"`
	ResolvedURL   string             `json:"resolved_url"`
	GivenTitle    string             `json:"given_title"`
	ResolvedTitle string             `json:"resolved_title"`
	WordCount     flexInt            `json:"word_count"`
	HasVideo      string             `json:"has_video"`
	SortID        flexInt            `json:"sort_id"`
	Tags          map[string]itemTag `json:"tags"`
}

type itemTag struct {
	Tag string `json:"tag"`
}

func (it item) article() models.Article {
	a := models.Article{
		ItemID:    it.ItemID,
		URL:       it.ResolvedURL,
		Title:     it.ResolvedTitle,
		WordCount: int(it.WordCount),
		HasVideo:  it.HasVideo != "0",
		SortID:    int(it.SortID),
	}
	if a.URL == "" {
		a.URL = it.GivenURL
	}
	if a.Title == "" {
		a.Title = it.GivenTitle
	}
	for name := range it.Tags {
		a.Tags = append(a.Tags, name)
	}
	return a
}

// flexInt accepts numbers encoded either as JSON numbers or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// Archive marks an item as read. It returns the source status, 1 on success.
func (c *Client) Archive(ctx context.Context, token, itemID string) (int, error) {
	return c.modify(ctx, token, "archive", itemID)
}

// Favorite stars an item. It returns the source status, 1 on success.
func (c *Client) Favorite(ctx context.Context, token, itemID string) (int, error) {
	return c.modify(ctx, token, "favorite", itemID)
}

func (c *Client) modify(ctx context.Context, token, action, itemID string) (int, error) {
	body := map[string]interface{}{
		"access_token": token,
		"actions": []map[string]string{
			{"action": action, "item_id": itemID},
		},
	}
	var resp struct {
		Status        int    `json:"status"`
		ActionResults []bool `json:"action_results"`
	}
	if err := c.post(ctx, "/v3/send", body, &resp); err != nil {
		return 0, err
	}
	if len(resp.ActionResults) > 0 && !resp.ActionResults[0] {
		return 0, nil
	}
	return resp.Status, nil
}

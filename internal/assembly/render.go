package assembly

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/signing"
)

//go:embed templates/*.html
var templateFS embed.FS

// Links builds signed action URLs that work without a login.
type Links struct {
	prefix string
	secret string
}

func NewLinks(urlPrefix, secret string) Links {
	return Links{prefix: strings.TrimRight(urlPrefix, "/"), secret: secret}
}

func (l Links) Article(deliveryID, itemID string, op models.Action) string {
	sig := signing.ArticleAction(l.secret, deliveryID, itemID, string(op))
	return fmt.Sprintf("%s/deliveries/%s/articles/%s/%s?sig=%s",
		l.prefix, url.PathEscape(deliveryID), url.PathEscape(itemID), op, url.QueryEscape(sig))
}

func (l Links) Mailing(mailingID string, op models.Action) string {
	sig := signing.MailingAction(l.secret, mailingID, string(op))
	return fmt.Sprintf("%s/mailings/%s/%s?sig=%s",
		l.prefix, url.PathEscape(mailingID), op, url.QueryEscape(sig))
}

type controls struct {
	Favorite           string
	Archive            string
	FavoriteAndArchive string
}

type Renderer struct {
	tmpl  *template.Template
	links Links
}

func NewRenderer(links Links) (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Renderer{tmpl: tmpl, links: links}, nil
}

// RenderArticle renders one extracted article with its action links.
func (r *Renderer) RenderArticle(deliveryID, itemID string, ex *Extracted) (string, error) {
	data := struct {
		Title    string
		Author   string
		URL      string
		Content  template.HTML
		Controls controls
	}{
		Title:   ex.Title,
		Author:  ex.Author,
		URL:     ex.URL,
		Content: template.HTML(ex.Content),
		Controls: controls{
			Favorite:           r.links.Article(deliveryID, itemID, models.ActionFavorite),
			Archive:            r.links.Article(deliveryID, itemID, models.ActionArchive),
			FavoriteAndArchive: r.links.Article(deliveryID, itemID, models.ActionFavoriteAndArchive),
		},
	}
	return r.execute("article.html", data)
}

// RenderIssue renders the closing page listing every article of the mailing.
// Mailing-wide links are omitted when mailingID is empty.
func (r *Renderer) RenderIssue(mailingID string, articles []models.Article) (string, error) {
	data := struct {
		Articles []models.Article
		Controls *controls
	}{Articles: articles}
	if mailingID != "" {
		data.Controls = &controls{
			Favorite:           r.links.Mailing(mailingID, models.ActionFavorite),
			Archive:            r.links.Mailing(mailingID, models.ActionArchive),
			FavoriteAndArchive: r.links.Mailing(mailingID, models.ActionFavoriteAndArchive),
		}
	}
	return r.execute("issue.html", data)
}

func (r *Renderer) execute(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

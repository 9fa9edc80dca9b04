// Package assembly renders selected articles into a periodical and mails it
// to the reader's device.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/config"
	"github.com/shohag/kindlerelay/internal/models"
)

const (
	bookTitle   = "Kindle Relay"
	bookAuthor  = "Kindle Relay"
	epubMIME    = "application/epub+zip"
	coverFile   = "cover.jpg"
	coverLayout = "06-01-02"
)

// Archiver marks articles as read at the source.
type Archiver interface {
	Archive(ctx context.Context, token, itemID string) (int, error)
}

// Request is one periodical to build and send.
type Request struct {
	Destination string
	DeliveryID  string
	// MailingID is the id the mailing will be stored under once accepted.
	MailingID   string
	Token       string
	Articles    []models.Article
	AutoArchive bool
}

// Components are the collaborators a Pipeline drives.
type Components struct {
	Extractor Extractor
	Cover     CoverRenderer
	Packager  Packager
	Transport Transport
	Archiver  Archiver
}

type Pipeline struct {
	cfg      config.AssemblyConfig
	from     string
	subject  string
	renderer *Renderer
	c        Components
	log      zerolog.Logger
	now      func() time.Time
}

func NewPipeline(cfg config.AssemblyConfig, mail config.MailConfig, c Components, log zerolog.Logger) (*Pipeline, error) {
	renderer, err := NewRenderer(NewLinks(cfg.URLPrefix, cfg.LinkSecret))
	if err != nil {
		return nil, err
	}
	subject := mail.Subject
	if subject == "" {
		subject = "Kindle Relay Delivery!"
	}
	return &Pipeline{
		cfg:      cfg,
		from:     mail.From,
		subject:  subject,
		renderer: renderer,
		c:        c,
		log:      log.With().Str("component", "assembly").Logger(),
		now:      time.Now,
	}, nil
}

// AssembleAndSend builds the periodical in a private workspace and mails it.
// A nil error means the transport accepted the message, and the returned
// articles are the ones actually inside it. The workspace is removed on every
// return path.
func (p *Pipeline) AssembleAndSend(ctx context.Context, req Request) ([]models.Article, error) {
	ws, err := NewWorkspace(p.cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		removed, relErr := ws.Release()
		if relErr != nil {
			p.log.Error().Err(relErr).Str("dir", ws.Dir).Msg("failed to release workspace")
			return
		}
		p.log.Debug().Str("dir", ws.Dir).Strs("files", removed).Msg("workspace released")
	}()

	log := p.log.With().Str("delivery_id", req.DeliveryID).Logger()
	today := p.now().UTC()

	sections, delivered, err := p.renderArticles(ctx, log, req)
	if err != nil {
		return nil, err
	}
	issue, err := p.renderer.RenderIssue(req.MailingID, delivered)
	if err != nil {
		return nil, err
	}
	sections = append(sections, Section{Title: "Contents", Body: issue})

	label := today.Format(coverLayout)
	var coverPath string
	err = step(ctx, p.cfg.StepTimeout, "cover", func(context.Context) error {
		var err error
		coverPath, err = p.c.Cover.CreateCover(label, ws.Path(coverFile))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create cover: %w", err)
	}

	filename := fmt.Sprintf("KindleRelay[%s].epub", label)
	book := Book{
		Title:       fmt.Sprintf("%s %s", bookTitle, label),
		Author:      bookAuthor,
		Description: fmt.Sprintf("%d articles delivered %s", len(delivered), today.Format("Mon, 02 Jan 2006")),
		Language:    "en",
		CoverPath:   coverPath,
		Sections:    sections,
	}
	var artifact string
	err = step(ctx, p.cfg.StepTimeout, "package", func(context.Context) error {
		var err error
		artifact, err = p.c.Packager.Create(book, Target{Folder: ws.Dir, Filename: filename})
		return err
	})
	if err != nil {
		return nil, &TransportError{Stage: "package", Err: err}
	}
	if artifact == "" {
		artifact = ws.Path(filename)
	}

	data, err := os.ReadFile(artifact)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &TransportError{Stage: "package", Err: fmt.Errorf("artifact %s missing", filename)}
	}
	if err != nil {
		return nil, &TransportError{Stage: "package", Err: err}
	}

	msg := Message{
		To:      req.Destination,
		From:    p.from,
		Subject: p.subject,
		Text:    fmt.Sprintf("Your delivery of %d articles is attached.", len(delivered)),
		Attachments: []Attachment{{
			Filename:    filename,
			ContentType: epubMIME,
			Content:     data,
		}},
	}

	var receipt *Receipt
	err = step(ctx, p.cfg.StepTimeout, "send", func(ctx context.Context) error {
		var err error
		receipt, err = p.c.Transport.Send(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !receipt.Accepted() {
		return nil, &TransportError{Stage: "send", StatusCode: receipt.StatusCode, Err: errors.New(receipt.Body)}
	}

	log.Info().
		Str("to", req.Destination).
		Int("articles", len(delivered)).
		Int("skipped", len(req.Articles)-len(delivered)).
		Int("bytes", len(data)).
		Msg("periodical accepted")

	if req.AutoArchive {
		p.archive(ctx, log, req.Token, delivered)
	}
	return delivered, nil
}

// renderArticles extracts and renders every article and returns the sections
// together with the articles they hold. Articles that cannot be extracted are
// left out; it fails only when none could be rendered.
func (p *Pipeline) renderArticles(ctx context.Context, log zerolog.Logger, req Request) ([]Section, []models.Article, error) {
	sections := make([]Section, 0, len(req.Articles)+1)
	delivered := make([]models.Article, 0, len(req.Articles))
	var lastErr error
	for _, a := range req.Articles {
		var ex *Extracted
		err := step(ctx, p.cfg.StepTimeout, "extract", func(ctx context.Context) error {
			var err error
			ex, err = p.c.Extractor.Extract(ctx, a.URL)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			log.Warn().Err(err).Str("item_id", a.ItemID).Str("url", a.URL).Msg("article extraction failed")
			lastErr = err
			continue
		}
		if ex.Title == "" {
			ex.Title = a.Title
		}
		if ex.URL == "" {
			ex.URL = a.URL
		}

		body, err := p.renderer.RenderArticle(req.DeliveryID, a.ItemID, ex)
		if err != nil {
			return nil, nil, err
		}
		sections = append(sections, Section{Title: ex.Title, Body: body})
		delivered = append(delivered, a)
	}
	if len(sections) == 0 && lastErr != nil {
		return nil, nil, fmt.Errorf("no article could be extracted: %w", lastErr)
	}
	return sections, delivered, nil
}

// archive marks the delivered articles as read at the source.
func (p *Pipeline) archive(ctx context.Context, log zerolog.Logger, token string, delivered []models.Article) {
	if p.c.Archiver == nil {
		return
	}
	for _, a := range delivered {
		var status int
		err := step(ctx, p.cfg.StepTimeout, "archive", func(ctx context.Context) error {
			var err error
			status, err = p.c.Archiver.Archive(ctx, token, a.ItemID)
			return err
		})
		if err != nil || status != 1 {
			log.Warn().Err(err).Str("item_id", a.ItemID).Int("status", status).Msg("auto-archive failed")
		}
	}
}

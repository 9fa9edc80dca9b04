package assembly

import (
	"fmt"
	"path/filepath"

	epub "github.com/go-shiori/go-epub"
)

type Section struct {
	Title string
	Body  string
}

// Book is the content of one periodical issue.
type Book struct {
	Title       string
	Author      string
	Description string
	Language    string
	CoverPath   string
	Sections    []Section
}

type Target struct {
	Folder   string
	Filename string
}

type Packager interface {
	Create(book Book, target Target) (string, error)
}

type EPUBPackager struct{}

// Create writes the book as an EPUB into the target folder and returns its
// path.
func (EPUBPackager) Create(book Book, target Target) (string, error) {
	e, err := epub.NewEpub(book.Title)
	if err != nil {
		return "", fmt.Errorf("new epub: %w", err)
	}
	e.SetAuthor(book.Author)
	e.SetDescription(book.Description)
	if book.Language != "" {
		e.SetLang(book.Language)
	}

	if book.CoverPath != "" {
		img, err := e.AddImage(book.CoverPath, filepath.Base(book.CoverPath))
		if err != nil {
			return "", fmt.Errorf("add cover image: %w", err)
		}
		e.SetCover(img, "")
	}

	for i, s := range book.Sections {
		if _, err := e.AddSection(s.Body, s.Title, fmt.Sprintf("section%04d.xhtml", i+1), ""); err != nil {
			return "", fmt.Errorf("add section %q: %w", s.Title, err)
		}
	}

	path := filepath.Join(target.Folder, target.Filename)
	if err := e.Write(path); err != nil {
		return "", fmt.Errorf("write epub: %w", err)
	}
	return path, nil
}

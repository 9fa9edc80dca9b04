package assembly

import "context"

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Message struct {
	To          string
	From        string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Receipt reports how the mail provider answered. Only 202 means accepted.
type Receipt struct {
	StatusCode int
	Body       string
}

func (r Receipt) Accepted() bool {
	return r.StatusCode == 202
}

type Transport interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

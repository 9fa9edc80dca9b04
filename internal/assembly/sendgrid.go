package assembly

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shohag/kindlerelay/internal/config"
)

// SendGrid posts messages to the SendGrid v3 mail/send endpoint.
type SendGrid struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewSendGrid(cfg config.SendGridConfig) *SendGrid {
	return &SendGrid{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sgMail struct {
	Personalizations []struct {
		To []sgAddress `json:"to"`
	} `json:"personalizations"`
	From        sgAddress      `json:"from"`
	Subject     string         `json:"subject"`
	Content     []sgContent    `json:"content"`
	Attachments []sgAttachment `json:"attachments,omitempty"`
}

func (s *SendGrid) Send(ctx context.Context, msg Message) (*Receipt, error) {
	mail := sgMail{
		From:    sgAddress{Email: msg.From},
		Subject: msg.Subject,
		Content: []sgContent{{Type: "text/plain", Value: orSpace(msg.Text)}},
	}
	mail.Personalizations = make([]struct {
		To []sgAddress `json:"to"`
	}, 1)
	mail.Personalizations[0].To = []sgAddress{{Email: msg.To}}
	for _, a := range msg.Attachments {
		mail.Attachments = append(mail.Attachments, sgAttachment{
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}

	payload, err := json.Marshal(mail)
	if err != nil {
		return nil, fmt.Errorf("encode mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("User-Agent", "KindleRelay/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Stage: "send", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	return &Receipt{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}, nil
}

// SendGrid rejects empty content values.
func orSpace(s string) string {
	if s == "" {
		return " "
	}
	return s
}

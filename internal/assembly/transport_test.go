package assembly

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/kindlerelay/internal/config"
)

func testMessage() Message {
	return Message{
		To:      "reader@kindle.com",
		From:    "relay@example.com",
		Subject: "Kindle Relay Delivery!",
		Text:    "attached",
		Attachments: []Attachment{{
			Filename:    "KindleRelay[24-03-09].epub",
			ContentType: epubMIME,
			Content:     []byte("PK-epub"),
		}},
	}
}

func TestSendGridSend(t *testing.T) {
	var got sgMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGrid(config.SendGridConfig{BaseURL: srv.URL, APIKey: "sg-key", Timeout: time.Second})
	receipt, err := sg.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, receipt.Accepted())

	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "reader@kindle.com", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "relay@example.com", got.From.Email)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("PK-epub")), got.Attachments[0].Content)
	assert.Equal(t, "KindleRelay[24-03-09].epub", got.Attachments[0].Filename)
}

func TestSendGridReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	sg := NewSendGrid(config.SendGridConfig{BaseURL: srv.URL, Timeout: time.Second})
	receipt, err := sg.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.False(t, receipt.Accepted())
	assert.Equal(t, http.StatusUnauthorized, receipt.StatusCode)
	assert.Contains(t, receipt.Body, "bad key")
}

type recordingSender struct {
	from string
	to   []string
	msg  []byte
	err  error
}

func (r *recordingSender) Send(reversePath string, recipients []string, msg []byte) error {
	r.from, r.to, r.msg = reversePath, recipients, msg
	return r.err
}

func TestSMTPSend(t *testing.T) {
	rec := &recordingSender{}
	receipt, err := NewSMTPWithSender(rec).Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, 202, receipt.StatusCode)

	assert.Equal(t, "relay@example.com", rec.from)
	assert.Equal(t, []string{"reader@kindle.com"}, rec.to)
	raw := string(rec.msg)
	assert.Contains(t, raw, "Subject: Kindle Relay Delivery!")
	assert.True(t, strings.Contains(raw, "KindleRelay"))
}

func TestSMTPSendFailure(t *testing.T) {
	rec := &recordingSender{err: assert.AnError}
	_, err := NewSMTPWithSender(rec).Send(context.Background(), testMessage())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsRetryable(err))
}

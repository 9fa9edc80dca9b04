package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Sign returns a signature over the joined parts, e.g. a delivery id,
// article id and operation of an action link.
func Sign(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "/")))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("v1=%s", sig)
}

func Verify(secret, signature string, parts ...string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, parts...)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ArticleAction signs an action link for one article of a delivery.
func ArticleAction(secret, deliveryID, itemID, op string) string {
	return Sign(secret, deliveryID, itemID, op)
}

// MailingAction signs an action link covering every article of a mailing.
func MailingAction(secret, mailingID, op string) string {
	return Sign(secret, "mailings", mailingID, op)
}

func VerifyArticleAction(secret, signature, deliveryID, itemID, op string) bool {
	return Verify(secret, signature, deliveryID, itemID, op)
}

func VerifyMailingAction(secret, signature, mailingID, op string) bool {
	return Verify(secret, signature, "mailings", mailingID, op)
}

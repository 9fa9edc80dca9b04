package delivery

import (
	"errors"
	"fmt"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// PersistenceError reports a save that failed after the periodical was
// already accepted for delivery. The reader has the issue but there is no
// durable record of it.
type PersistenceError struct {
	DeliveryID string
	MailingID  string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("delivery %s: %s after send (mailing %s): %v", e.DeliveryID, e.Op, e.MailingID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

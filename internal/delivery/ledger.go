package delivery

import "sync"

// CreditLedger holds one Account per user for the life of the dispatcher.
// Every send for a user, whether from a scheduled pass or an on-demand
// delivery, runs under that user's account lock.
type CreditLedger struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

// Account serializes one user's sends. Callers hold the lock across the
// balance check, send and decrement of a delivery, and read the persisted
// balance only while holding it.
type Account struct {
	sync.Mutex
	// unsettled counts credits spent on accepted sends whose persisted
	// decrement failed.
	unsettled int
}

func NewCreditLedger() *CreditLedger {
	return &CreditLedger{accounts: make(map[string]*Account)}
}

// Account returns the user's account, creating it on first use.
func (l *CreditLedger) Account(userID string) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[userID]
	if !ok {
		acct = &Account{}
		l.accounts[userID] = acct
	}
	return acct
}

// Available is the spendable balance given the persisted one.
func (a *Account) Available(persisted int) int {
	return persisted - a.unsettled
}

// Owe records a spend the store could not be charged for.
func (a *Account) Owe() {
	a.unsettled++
}

package balance

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInsufficient is returned when a lock exceeds the available balance.
var ErrInsufficient = errors.New("insufficient available balance")

// Balance represents account balance
type Balance struct {
	Total     float64
	Available float64
	Locked    float64
}

// Account is a cash balance with margin reservations. Amounts are kept as
// decimals so long simulations do not drift.
type Account struct {
	mu       sync.Mutex
	initial  decimal.Decimal
	total    decimal.Decimal
	locked   decimal.Decimal
	realized decimal.Decimal
	quiet    bool
}

// NewAccount creates an account holding initial.
func NewAccount(initial float64) *Account {
	d := decimal.NewFromFloat(initial)
	return &Account{initial: d, total: d}
}

// Quiet disables per-operation logging.
func (a *Account) Quiet() *Account {
	a.quiet = true
	return a
}

// Lock reserves amount as margin.
func (a *Account) Lock(amount float64) error {
	d := decimal.NewFromFloat(amount)
	if d.IsNegative() {
		return fmt.Errorf("lock negative amount %.2f", amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	available := a.total.Sub(a.locked)
	if d.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficient, d.StringFixed(2), available.StringFixed(2))
	}
	a.locked = a.locked.Add(d)
	a.logf("🔒 margin locked: %s (available %s)", d.StringFixed(2), a.total.Sub(a.locked).StringFixed(2))
	return nil
}

// Unlock releases a reservation. Locked margin never goes below zero.
func (a *Account) Unlock(amount float64) {
	d := decimal.NewFromFloat(amount)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.locked = a.locked.Sub(d)
	if a.locked.IsNegative() {
		a.locked = decimal.Zero
	}
	a.logf("🔓 margin released: %s (available %s)", d.StringFixed(2), a.total.Sub(a.locked).StringFixed(2))
}

// Realize books a realized P/L into the cash balance.
func (a *Account) Realize(pnl float64) {
	d := decimal.NewFromFloat(pnl)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.total = a.total.Add(d)
	a.realized = a.realized.Add(d)
	a.logf("💵 realized %s (total %s)", d.StringFixed(2), a.total.StringFixed(2))
}

// Settle releases margin and books pnl in one step.
func (a *Account) Settle(margin, pnl float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.locked = a.locked.Sub(decimal.NewFromFloat(margin))
	if a.locked.IsNegative() {
		a.locked = decimal.Zero
	}
	d := decimal.NewFromFloat(pnl)
	a.total = a.total.Add(d)
	a.realized = a.realized.Add(d)
	a.logf("💵 settled pnl %s, released %.2f (total %s)", d.StringFixed(2), margin, a.total.StringFixed(2))
}

// GetBalance returns current balance snapshot
func (a *Account) GetBalance() Balance {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Balance{
		Total:     a.total.InexactFloat64(),
		Available: a.total.Sub(a.locked).InexactFloat64(),
		Locked:    a.locked.InexactFloat64(),
	}
}

// Realized returns the sum of realized P/L.
func (a *Account) Realized() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realized.InexactFloat64()
}

// Initial returns the opening balance.
func (a *Account) Initial() float64 {
	return a.initial.InexactFloat64()
}

// Reconciles reports whether total == initial + realized exactly.
func (a *Account) Reconciles() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total.Equal(a.initial.Add(a.realized))
}

func (a *Account) logf(format string, args ...any) {
	if !a.quiet {
		log.Printf(format, args...)
	}
}

package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/risk"
)

// DefaultPollInterval is the signal polling period.
const DefaultPollInterval = 5 * time.Second

// Config starts one bot session.
type Config struct {
	UserID  string
	Broker  broker.Spec
	Symbols []string // empty trades every symbol a signal names
	Sources []string // empty accepts every signal source
	Policy  risk.Policy

	Class    broker.Class
	Duration time.Duration // contract duration, zero uses the broker default

	// CloseOnStop closes open positions (FORCE_STOP) when the bot stops.
	CloseOnStop bool
	// MinHoldTime is how long a trade is held before a reverse signal may
	// close it.
	MinHoldTime time.Duration
	// MultiPosition admits new trades while IN_TRADE, one per symbol.
	MultiPosition bool

	PollInterval time.Duration
	Tag          string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Class == "" {
		c.Class = broker.Multiplier
	}
	if c.Tag == "" {
		c.Tag = broker.DefaultTag
	}
}

// Validate checks everything a session needs before the broker is touched.
func (c Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if c.Broker == nil {
		errs = append(errs, errors.New("broker spec is required"))
	} else if err := c.Broker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Class != "" && c.Class != broker.Multiplier && c.Class != broker.Linear {
		errs = append(errs, fmt.Errorf("unknown instrument class %q", c.Class))
	}
	if c.MinHoldTime < 0 {
		errs = append(errs, errors.New("min hold time must not be negative"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk policy: %w", err))
	}
	return errors.Join(errs...)
}

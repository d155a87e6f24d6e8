package broker

import (
	"errors"
	"time"
)

// Spec selects and configures an adapter variant. The set of variants is
// closed: LiveSpec and PaperSpec.
type Spec interface {
	Kind() Kind
	Validate() error
	isSpec()
}

// Backoff configures reconnect delays.
type Backoff struct {
	Base time.Duration `yaml:"base" json:"base"`
	Max  time.Duration `yaml:"max" json:"max"`
}

// LiveSpec configures the websocket broker client.
type LiveSpec struct {
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	AppID          string        `yaml:"app_id" json:"app_id"`
	Token          string        `yaml:"token" json:"-"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Reconnect      Backoff       `yaml:"reconnect" json:"reconnect"`
	Tag            string        `yaml:"tag" json:"tag"`
}

func (LiveSpec) Kind() Kind { return KindLive }
func (LiveSpec) isSpec()    {}

// Validate checks the fields a live session cannot start without.
func (s LiveSpec) Validate() error {
	if s.Endpoint == "" {
		return errors.New("live broker endpoint is required")
	}
	if s.Token == "" {
		return errors.New("live broker token is required")
	}
	return nil
}

// PaperSpec configures the simulator.
type PaperSpec struct {
	InitialBalance   float64            `yaml:"initial_balance" json:"initial_balance"`
	Currency         string             `yaml:"currency" json:"currency"`
	Leverage         int                `yaml:"leverage" json:"leverage"`
	LinearMarginRate float64            `yaml:"linear_margin_rate" json:"linear_margin_rate"`
	WinProbability   float64            `yaml:"win_probability" json:"win_probability"`
	MoveFraction     float64            `yaml:"move_fraction" json:"move_fraction"`
	Volatility       float64            `yaml:"volatility" json:"volatility"`
	DefaultDuration  time.Duration      `yaml:"default_duration" json:"default_duration"`
	TickInterval     time.Duration      `yaml:"tick_interval" json:"tick_interval"`
	StartPrices      map[string]float64 `yaml:"start_prices" json:"start_prices"`
	Seed             int64              `yaml:"seed" json:"seed"`
}

func (PaperSpec) Kind() Kind { return KindPaper }
func (PaperSpec) isSpec()    {}

// Validate checks the simulator parameters.
func (s PaperSpec) Validate() error {
	if s.InitialBalance <= 0 {
		return errors.New("paper initial balance must be positive")
	}
	if s.WinProbability < 0 || s.WinProbability > 1 {
		return errors.New("paper win probability must be within [0,1]")
	}
	if s.LinearMarginRate < 0 || s.LinearMarginRate > 1 {
		return errors.New("paper linear margin rate must be within [0,1]")
	}
	return nil
}

// DefaultPaperSpec returns simulator defaults.
func DefaultPaperSpec() PaperSpec {
	return PaperSpec{
		InitialBalance:   10000,
		Currency:         "USD",
		Leverage:         100,
		LinearMarginRate: 0.01,
		WinProbability:   0.5,
		MoveFraction:     0.002,
		Volatility:       0.001,
		DefaultDuration:  time.Minute,
		TickInterval:     time.Second,
	}
}

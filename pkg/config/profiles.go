package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/risk"
)

// Profile is the stored start configuration of one user's bot.
type Profile struct {
	UserID string `yaml:"user_id"`
	Broker string `yaml:"broker"` // "live" or "paper"

	Live broker.LiveSpec `yaml:"live"`
	// TokenEnv names the environment variable holding the live token, so
	// the file never carries secrets.
	TokenEnv string           `yaml:"token_env"`
	Paper    broker.PaperSpec `yaml:"paper"`

	Symbols []string    `yaml:"symbols"`
	Sources []string    `yaml:"sources"`
	Policy  risk.Policy `yaml:"policy"`

	Class         string        `yaml:"class"`
	Duration      time.Duration `yaml:"duration"`
	CloseOnStop   bool          `yaml:"close_on_stop"`
	MinHoldTime   time.Duration `yaml:"min_hold_time"`
	MultiPosition bool          `yaml:"multi_position"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	AutoStart     bool          `yaml:"autostart"`
}

// UnmarshalYAML fills defaults before decoding, so a profile only lists
// what it changes.
func (p *Profile) UnmarshalYAML(n *yaml.Node) error {
	type plain Profile
	v := plain{
		Broker: string(broker.KindPaper),
		Paper:  broker.DefaultPaperSpec(),
		Policy: risk.DefaultPolicy(),
	}
	v.Paper.InitialBalance = 0
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = Profile(v)
	return nil
}

// Spec returns the adapter spec of the profile.
func (p Profile) Spec() (broker.Spec, error) {
	switch broker.Kind(p.Broker) {
	case broker.KindPaper:
		return p.Paper, nil
	case broker.KindLive:
		s := p.Live
		if p.TokenEnv != "" {
			s.Token = os.Getenv(p.TokenEnv)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("profile %s: unknown broker %q", p.UserID, p.Broker)
	}
}

type profileFile struct {
	Bots []Profile `yaml:"bots"`
}

// Profiles maps user id to profile.
type Profiles map[string]Profile

// LoadProfiles reads the YAML profile file. A missing file yields no
// profiles. paperBalance replaces a zero paper initial balance.
func LoadProfiles(path string, paperBalance float64) (Profiles, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Profiles{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data, paperBalance)
}

// ParseProfiles decodes and validates profile YAML.
func ParseProfiles(data []byte, paperBalance float64) (Profiles, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	out := make(Profiles, len(f.Bots))
	var errs []error
	for i, p := range f.Bots {
		if p.UserID == "" {
			errs = append(errs, fmt.Errorf("profile %d: user_id is required", i))
			continue
		}
		if _, dup := out[p.UserID]; dup {
			errs = append(errs, fmt.Errorf("profile %s: duplicate user_id", p.UserID))
			continue
		}
		if _, err := p.Spec(); err != nil {
			errs = append(errs, err)
			continue
		}
		if p.Paper.InitialBalance <= 0 {
			p.Paper.InitialBalance = paperBalance
		}
		out[p.UserID] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Users returns the profile user ids in order.
func (ps Profiles) Users() []string {
	out := make([]string, 0, len(ps))
	for id := range ps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

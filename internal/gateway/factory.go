// Package gateway builds broker adapters and tracks their health per user.
package gateway

import (
	"fmt"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/broker/live"
	"github.com/Theogama/signalist-sub003/internal/broker/paper"
)

// Factory creates an adapter for a spec. bot.Manager takes one so tests can
// inject their own adapters.
type Factory func(spec broker.Spec, listener broker.Listener) (broker.Adapter, error)

// New creates the adapter variant selected by spec.
func New(spec broker.Spec, listener broker.Listener) (broker.Adapter, error) {
	if spec == nil {
		return nil, fmt.Errorf("broker spec is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s broker spec: %w", spec.Kind(), err)
	}
	switch s := spec.(type) {
	case broker.LiveSpec:
		return live.New(s, listener), nil
	case broker.PaperSpec:
		return paper.New(s, listener), nil
	default:
		return nil, fmt.Errorf("unsupported broker spec %T", spec)
	}
}

// Package settings serves the admin-owned AFK configuration.
//
// Values are read from the store on every call so an admin change is
// visible to the next start or heartbeat without any cache to invalidate.
// Until an admin saves settings, the configured defaults apply.
package settings

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/coinhost/afkd/internal/domain"
)

// Provider reads and writes AfkSettings snapshots.
type Provider struct {
	store    domain.Store
	defaults domain.AfkSettings
}

// NewProvider creates a provider falling back to defaults when nothing is saved.
func NewProvider(store domain.Store, defaults domain.AfkSettings) *Provider {
	return &Provider{store: store, defaults: defaults}
}

// Get returns the current settings snapshot.
func (p *Provider) Get(ctx context.Context) (domain.AfkSettings, error) {
	saved, err := p.store.AfkSettings(ctx)
	if err != nil {
		return domain.AfkSettings{}, fmt.Errorf("load afk settings: %w", err)
	}
	if saved == nil {
		return p.defaults, nil
	}
	return *saved, nil
}

// Update validates and persists s. It applies to subsequent calls only.
func (p *Provider) Update(ctx context.Context, s domain.AfkSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := p.store.SaveAfkSettings(ctx, s); err != nil {
		return fmt.Errorf("save afk settings: %w", err)
	}
	glog.Infof("[settings] afk updated: enabled=%t rate=%s/min cap=%s/day",
		s.Enabled, s.CoinsPerMinute, s.MaxCoinsPerDay)
	return nil
}

package concord

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// CreateRule stores a new rule. An empty id is filled with a UUID; def
// itself is not modified.
func (c *Concord) CreateRule(ctx context.Context, def *rule.Rule) (*rule.Rule, error) {
	if def == nil {
		return nil, errors.New("concord: rule definition is required")
	}
	if def.ID == "" {
		def = def.Clone()
		def.ID = uuid.NewString()
	}
	return c.store.Create(ctx, def)
}

// CreateOverride stores def as an override of parentID.
func (c *Concord) CreateOverride(ctx context.Context, parentID string, def *rule.Rule) (*rule.Rule, error) {
	if def == nil {
		return nil, errors.New("concord: override definition is required")
	}
	if parentID == "" {
		return nil, errors.New("concord: override parent is required")
	}
	def = def.Clone()
	def.Parent = parentID
	return c.CreateRule(ctx, def)
}

// UpdateRule replaces the definition of def.ID. A non-zero expected
// version must match the stored one.
func (c *Concord) UpdateRule(ctx context.Context, def *rule.Rule, expected uint64) (*rule.Rule, error) {
	return c.store.Update(ctx, def, expected)
}

// DeleteRule removes id. Overrides of id are removed with it when cascade
// is set; otherwise their presence is an error.
func (c *Concord) DeleteRule(ctx context.Context, id string, cascade bool) error {
	return c.store.Delete(ctx, id, cascade)
}

// GetRule returns the live rule id.
func (c *Concord) GetRule(ctx context.Context, id string) (*rule.Rule, error) {
	return c.store.Get(ctx, id)
}

// EffectiveRule returns id with its override chain applied.
func (c *Concord) EffectiveRule(id string) (*rule.Rule, error) {
	return c.store.Effective(id)
}

// ListRules returns live rules matching f.
func (c *Concord) ListRules(ctx context.Context, f store.Filter) ([]*rule.Rule, error) {
	return c.store.List(ctx, f)
}

// RuleHistory returns the superseded versions of id, oldest first.
func (c *Concord) RuleHistory(ctx context.Context, id string) ([]store.HistoryEntry, error) {
	return c.store.History(ctx, id)
}

// SweepExpired deletes overrides whose expiration has passed.
func (c *Concord) SweepExpired(ctx context.Context) ([]string, error) {
	return c.store.SweepExpired(ctx)
}

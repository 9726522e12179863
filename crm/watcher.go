package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/scope"
)

// Engine is the part of *herald.Herald the watcher drives.
type Engine interface {
	Emit(ctx context.Context, eventType string, payload json.RawMessage, sourceEntityID string) (int64, error)
	SubscribeInProcess(ctx context.Context, filter []string, fn delivery.Handler) (id.ID, error)
	UnsubscribeInProcess(ctx context.Context, subID id.ID) error
}

// Opportunity is the payload of opportunity.* events.
type Opportunity struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Stage       string  `json:"stage,omitempty"`
	Amount      float64 `json:"amount"`
	Probability int     `json:"probability"`
	OwnerEmail  string  `json:"owner_email,omitempty"`
}

// BigDeal is the payload of opportunity.big_deal.
type BigDeal struct {
	OpportunityID   string   `json:"opportunity_id"`
	OpportunityName string   `json:"opportunity_name,omitempty"`
	RuleID          string   `json:"rule_id"`
	RuleName        string   `json:"rule_name"`
	Amount          float64  `json:"amount"`
	Probability     int      `json:"probability"`
	TriggerSequence int64    `json:"trigger_sequence"`
	SenderName      string   `json:"sender_name,omitempty"`
	SenderEmail     string   `json:"sender_email,omitempty"`
	Notify          []string `json:"notify,omitempty"`
	NotifyCC        []string `json:"notify_cc,omitempty"`
	NotifyBCC       []string `json:"notify_bcc,omitempty"`
}

// watchedTypes carry an opportunity's current amount and probability.
var watchedTypes = []string{
	OpportunityCreated,
	OpportunityUpdated,
	OpportunityStageChanged,
	OpportunityWon,
	OpportunityDeleted,
}

// DefaultFiredCapacity is how many announced (opportunity, rule) pairs a
// watcher remembers by default.
const DefaultFiredCapacity = 100_000

// BigDealWatcher emits opportunity.big_deal the first time an opportunity
// crosses an active alert rule. Fired (opportunity, rule) pairs are kept in
// memory up to a fixed capacity, oldest dropped first. A dropped pair, or
// any pair after a restart, may be announced again.
type BigDealWatcher struct {
	engine Engine
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]*AlertRule
	fired *lru.Cache
	subID id.ID
}

// WatcherOption configures a BigDealWatcher.
type WatcherOption func(*watcherConfig)

type watcherConfig struct {
	firedCapacity int
}

// WithFiredCapacity bounds the remembered (opportunity, rule) pairs.
func WithFiredCapacity(n int) WatcherOption {
	return func(c *watcherConfig) {
		if n > 0 {
			c.firedCapacity = n
		}
	}
}

type firedKey struct {
	tenant      string
	opportunity string
	rule        string
}

// NewBigDealWatcher creates a watcher with no rules.
func NewBigDealWatcher(engine Engine, logger *slog.Logger, opts ...WatcherOption) *BigDealWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := watcherConfig{firedCapacity: DefaultFiredCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	fired, _ := lru.New(cfg.firedCapacity) // size is always positive
	return &BigDealWatcher{
		engine: engine,
		logger: logger,
		rules:  make(map[string]*AlertRule),
		fired:  fired,
	}
}

// Tracked returns how many announced pairs are remembered.
func (w *BigDealWatcher) Tracked() int {
	return w.fired.Len()
}

// PutRule adds or replaces a rule.
func (w *BigDealWatcher) PutRule(r *AlertRule) {
	cp := *r
	w.mu.Lock()
	w.rules[r.ID.String()] = &cp
	w.mu.Unlock()
}

// RemoveRule drops a rule. Deals it already announced stay announced.
func (w *BigDealWatcher) RemoveRule(ruleID id.ID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ruleID.String()
	if _, ok := w.rules[key]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	delete(w.rules, key)
	return nil
}

// Rules returns the registered rules ordered by ID.
func (w *BigDealWatcher) Rules() []*AlertRule {
	w.mu.RLock()
	out := make([]*AlertRule, 0, len(w.rules))
	for _, r := range w.rules {
		cp := *r
		out = append(out, &cp)
	}
	w.mu.RUnlock()
	slices.SortFunc(out, func(a, b *AlertRule) int { return a.ID.Compare(b.ID) })
	return out
}

// Start subscribes the watcher to opportunity events of every tenant.
func (w *BigDealWatcher) Start(ctx context.Context) error {
	subID, err := w.engine.SubscribeInProcess(ctx, watchedTypes, w.Observe)
	if err != nil {
		return fmt.Errorf("herald: subscribe big deal watcher: %w", err)
	}
	w.mu.Lock()
	w.subID = subID
	w.mu.Unlock()
	return nil
}

// Stop removes the watcher's subscription.
func (w *BigDealWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	subID := w.subID
	w.subID = id.Nil
	w.mu.Unlock()
	if subID.IsNil() {
		return nil
	}
	return w.engine.UnsubscribeInProcess(ctx, subID)
}

// Observe handles one opportunity event. It is the watcher's in-process
// callback; returning an error makes the engine retry the event.
func (w *BigDealWatcher) Observe(ctx context.Context, evt *event.Event) error {
	var opp Opportunity
	if err := json.Unmarshal(evt.Payload, &opp); err != nil || opp.ID == "" {
		w.logger.WarnContext(ctx, "big deal watcher: unreadable opportunity payload",
			"sequence", evt.Sequence,
			"event_type", evt.Type,
		)
		return nil
	}

	if evt.Type == OpportunityDeleted {
		w.forget(evt.TenantID, opp.ID)
		return nil
	}

	for _, rule := range w.crossed(evt.TenantID, opp) {
		deal := BigDeal{
			OpportunityID:   opp.ID,
			OpportunityName: opp.Name,
			RuleID:          rule.ID.String(),
			RuleName:        rule.Name,
			Amount:          opp.Amount,
			Probability:     opp.Probability,
			TriggerSequence: evt.Sequence,
			SenderName:      rule.SenderName,
			SenderEmail:     rule.SenderEmail,
			Notify:          rule.NotifyEmails,
			NotifyCC:        rule.NotifyCCEmails,
			NotifyBCC:       rule.NotifyBCCEmails,
		}
		if rule.NotifyOpportunityOwner && opp.OwnerEmail != "" && !slices.Contains(deal.Notify, opp.OwnerEmail) {
			deal.Notify = append(slices.Clone(deal.Notify), opp.OwnerEmail)
		}

		payload, err := json.Marshal(deal)
		if err != nil {
			return err
		}
		seq, err := w.engine.Emit(scope.Restore(ctx, evt.TenantID), OpportunityBigDeal, payload, opp.ID)
		if err != nil {
			w.unmark(evt.TenantID, opp.ID, rule.ID.String())
			return fmt.Errorf("herald: emit big deal for %s: %w", opp.ID, err)
		}
		w.logger.InfoContext(ctx, "big deal announced",
			"sequence", seq,
			"opportunity_id", opp.ID,
			"rule_id", rule.ID,
			"tenant_id", evt.TenantID,
		)
	}
	return nil
}

// crossed marks and returns the rules opp crosses for the first time.
func (w *BigDealWatcher) crossed(tenant string, opp Opportunity) []*AlertRule {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*AlertRule
	for key, rule := range w.rules {
		if !rule.Applies(tenant) || !rule.Crossed(opp.Amount, opp.Probability) {
			continue
		}
		fk := firedKey{tenant: tenant, opportunity: opp.ID, rule: key}
		if done, _ := w.fired.ContainsOrAdd(fk, struct{}{}); done {
			continue
		}
		cp := *rule
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *AlertRule) int { return a.ID.Compare(b.ID) })
	return out
}

func (w *BigDealWatcher) unmark(tenant, opportunity, rule string) {
	w.mu.Lock()
	w.fired.Remove(firedKey{tenant: tenant, opportunity: opportunity, rule: rule})
	w.mu.Unlock()
}

func (w *BigDealWatcher) forget(tenant, opportunity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range w.fired.Keys() {
		if fk := k.(firedKey); fk.tenant == tenant && fk.opportunity == opportunity {
			w.fired.Remove(fk)
		}
	}
}

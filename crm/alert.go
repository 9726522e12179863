package crm

import (
	"errors"
	"strings"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

// ErrRuleNotFound is returned when an alert rule is not registered.
var ErrRuleNotFound = errors.New("herald: alert rule not found")

// AlertRule is a big deal alert: an opportunity whose amount and win
// probability both reach the triggers is announced once.
type AlertRule struct {
	entity.Entity

	ID   id.ID  `json:"id"`
	Name string `json:"name"`

	// TenantID limits the rule to one CRM company. Empty applies it to all.
	TenantID string `json:"tenant_id,omitempty"`

	TriggerAmount float64 `json:"trigger_amount"`

	// TriggerProbability is a percentage, 0 to 100.
	TriggerProbability int `json:"trigger_probability"`

	SenderName  string `json:"sender_name,omitempty"`
	SenderEmail string `json:"sender_email,omitempty"`

	NotifyEmails           []string `json:"notify_emails,omitempty"`
	NotifyCCEmails         []string `json:"notify_cc_emails,omitempty"`
	NotifyBCCEmails        []string `json:"notify_bcc_emails,omitempty"`
	NotifyOpportunityOwner bool     `json:"notify_opportunity_owner"`

	Active bool `json:"active"`
}

// NewAlertRule creates an active rule with a fresh ID.
func NewAlertRule(name string, amount float64, probability int) *AlertRule {
	return &AlertRule{
		Entity:             entity.New(),
		ID:                 id.NewAlertRuleID(),
		Name:               name,
		TriggerAmount:      amount,
		TriggerProbability: probability,
		Active:             true,
	}
}

// Applies reports whether the rule is active and covers tenant.
func (r *AlertRule) Applies(tenant string) bool {
	return r.Active && (r.TenantID == "" || r.TenantID == tenant)
}

// Crossed reports whether an opportunity with the given amount and
// probability meets both triggers.
func (r *AlertRule) Crossed(amount float64, probability int) bool {
	return amount >= r.TriggerAmount && probability >= r.TriggerProbability
}

// SplitEmails parses a comma-separated address list, dropping blanks.
func SplitEmails(list string) []string {
	var out []string
	for _, e := range strings.Split(list, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Package crm defines the CRM event vocabulary Herald distributes and the
// big-deal alert watcher built on top of it.
package crm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/herald/catalog"
)

// Event type names emitted by the CRM data layer.
const (
	ContactCreated = "contact.created"
	ContactUpdated = "contact.updated"
	ContactDeleted = "contact.deleted"

	LeadCreated   = "lead.created"
	LeadUpdated   = "lead.updated"
	LeadConverted = "lead.converted"

	AccountCreated = "account.created"
	AccountUpdated = "account.updated"

	OpportunityCreated      = "opportunity.created"
	OpportunityUpdated      = "opportunity.updated"
	OpportunityStageChanged = "opportunity.stage_changed"
	OpportunityWon          = "opportunity.won"
	OpportunityLost         = "opportunity.lost"
	OpportunityDeleted      = "opportunity.deleted"

	// OpportunityBigDeal is emitted by BigDealWatcher, never by the CRM.
	OpportunityBigDeal = "opportunity.big_deal"

	ActivityLogged = "activity.logged"
)

const (
	GroupContact     = "contact"
	GroupLead        = "lead"
	GroupAccount     = "account"
	GroupOpportunity = "opportunity"
	GroupActivity    = "activity"
)

var recordSchema = json.RawMessage(`{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}}
}`)

var opportunitySchema = json.RawMessage(`{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"stage": {"type": "string"},
		"amount": {"type": "number", "minimum": 0},
		"probability": {"type": "integer", "minimum": 0, "maximum": 100},
		"owner_email": {"type": "string"}
	}
}`)

var bigDealSchema = json.RawMessage(`{
	"type": "object",
	"required": ["opportunity_id", "rule_id", "amount", "probability"],
	"properties": {
		"opportunity_id": {"type": "string", "minLength": 1},
		"rule_id": {"type": "string"},
		"amount": {"type": "number"},
		"probability": {"type": "integer"}
	}
}`)

// Definitions returns the default catalog entries for every CRM event type.
func Definitions() []catalog.Definition {
	def := func(name, group, desc string, schema json.RawMessage) catalog.Definition {
		return catalog.Definition{Name: name, Group: group, Description: desc, Schema: schema}
	}
	return []catalog.Definition{
		def(ContactCreated, GroupContact, "A contact was created", recordSchema),
		def(ContactUpdated, GroupContact, "A contact was modified", recordSchema),
		def(ContactDeleted, GroupContact, "A contact was deleted", recordSchema),
		def(LeadCreated, GroupLead, "A lead was captured", recordSchema),
		def(LeadUpdated, GroupLead, "A lead was modified", recordSchema),
		def(LeadConverted, GroupLead, "A lead was converted into an account, contact and opportunity", recordSchema),
		def(AccountCreated, GroupAccount, "An account was created", recordSchema),
		def(AccountUpdated, GroupAccount, "An account was modified", recordSchema),
		def(OpportunityCreated, GroupOpportunity, "An opportunity was opened", opportunitySchema),
		def(OpportunityUpdated, GroupOpportunity, "An opportunity was modified", opportunitySchema),
		def(OpportunityStageChanged, GroupOpportunity, "An opportunity moved to another pipeline stage", opportunitySchema),
		def(OpportunityWon, GroupOpportunity, "An opportunity was closed as won", opportunitySchema),
		def(OpportunityLost, GroupOpportunity, "An opportunity was closed as lost", opportunitySchema),
		def(OpportunityDeleted, GroupOpportunity, "An opportunity was deleted", recordSchema),
		def(OpportunityBigDeal, GroupOpportunity, "An opportunity crossed a big deal alert threshold", bigDealSchema),
		def(ActivityLogged, GroupActivity, "A call, meeting, task or email was logged", recordSchema),
	}
}

// Registrar is the catalog operation RegisterDefaults needs.
type Registrar interface {
	RegisterType(ctx context.Context, def catalog.Definition, metadata map[string]string) (*catalog.EventType, error)
}

// RegisterDefaults registers Definitions in the catalog. Already registered
// types are overwritten and un-deprecated.
func RegisterDefaults(ctx context.Context, r Registrar) error {
	for _, def := range Definitions() {
		if _, err := r.RegisterType(ctx, def, map[string]string{"source": "crm"}); err != nil {
			return fmt.Errorf("herald: register %s: %w", def.Name, err)
		}
	}
	return nil
}

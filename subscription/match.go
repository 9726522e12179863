package subscription

import (
	"strings"

	"github.com/xraph/herald/event"
)

// MatchPattern reports whether eventType satisfies one filter pattern.
//
//	"opportunity.stage_changed" exact match
//	"*"                         everything
//	"opportunity.*"             any type under "opportunity.", at any depth
//	"*.created"                 one wildcard segment, same segment count
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ".") {
		if len(eventType) > len(prefix) && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(eventType, ".")
	if len(patternParts) != len(eventParts) {
		return false
	}
	for i, pp := range patternParts {
		if pp == "*" {
			if eventParts[i] == "" {
				return false
			}
			continue
		}
		if pp != eventParts[i] {
			return false
		}
	}
	return true
}

// Matches reports whether evt should be delivered to sub. Inactive
// subscriptions never match, and a tenant-scoped subscription only sees its
// own tenant's events.
func Matches(evt *event.Event, sub *Subscription) bool {
	if !sub.Active {
		return false
	}
	if sub.TenantID != "" && sub.TenantID != evt.TenantID {
		return false
	}
	for _, p := range sub.Filter {
		if MatchPattern(p, evt.Type) {
			return true
		}
	}
	return false
}

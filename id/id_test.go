package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/herald/id"
)

func TestNewCarriesPrefix(t *testing.T) {
	sub := id.NewSubscriptionID()
	if sub.Prefix() != id.PrefixSubscription {
		t.Fatalf("prefix = %q, want %q", sub.Prefix(), id.PrefixSubscription)
	}
	if !strings.HasPrefix(sub.String(), "sub_") {
		t.Errorf("String() = %q, want sub_ prefix", sub.String())
	}
}

func TestParseWithPrefixRejectsOtherKinds(t *testing.T) {
	task := id.NewTaskID()
	if _, err := id.ParseSubscriptionID(task.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
	got, err := id.ParseTaskID(task.String())
	if err != nil {
		t.Fatalf("ParseTaskID: %v", err)
	}
	if got.String() != task.String() {
		t.Errorf("round trip = %q, want %q", got, task)
	}
}

func TestCompareFollowsCreationOrder(t *testing.T) {
	a := id.NewSubscriptionID()
	b := id.NewSubscriptionID()
	if a.Compare(b) >= 0 {
		t.Errorf("expected %s < %s", a, b)
	}
	if a.Compare(a) != 0 {
		t.Error("expected ID to compare equal to itself")
	}
}

func TestJSONNilAndScan(t *testing.T) {
	type wrapper struct {
		ID id.ID `json:"id"`
	}
	out, err := json.Marshal(wrapper{})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"id":""}` {
		t.Errorf("nil marshal = %s", out)
	}

	var scanned id.ID
	if err := scanned.Scan(nil); err != nil || !scanned.IsNil() {
		t.Errorf("Scan(nil) = %v, nil=%v", err, scanned.IsNil())
	}
	orig := id.NewAuditID()
	if err := scanned.Scan([]byte(orig.String())); err != nil {
		t.Fatal(err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("Scan = %s, want %s", scanned, orig)
	}
}

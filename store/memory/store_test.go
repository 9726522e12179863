package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/internal/storeerr"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := memory.New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, storeerr.ErrClosed) {
		t.Fatalf("ping: %v", err)
	}
	err := s.AppendEvent(context.Background(), &event.Event{Entity: entity.New(), Type: "contact.created"})
	if !errors.Is(err, storeerr.ErrClosed) {
		t.Fatalf("append: %v", err)
	}
}

func TestStoredEventsAreIsolated(t *testing.T) {
	s := memory.New()
	evt := &event.Event{Entity: entity.New(), Type: "contact.created", Payload: []byte(`{"a":1}`)}
	if err := s.AppendEvent(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	evt.Payload[2] = 'b'

	got, err := s.GetEvent(context.Background(), evt.Sequence)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `{"a":1}` {
		t.Fatalf("stored payload mutated through caller: %s", got.Payload)
	}
}

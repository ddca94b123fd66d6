package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/statusrelay/relay/internal/mapper"
	"github.com/statusrelay/relay/internal/types"
)

type fakeAdapter struct {
	system types.SystemName
	closed bool
}

func (f *fakeAdapter) System() types.SystemName { return f.system }

func (f *fakeAdapter) Apply(_ context.Context, u *mapper.MappedUpdate) (*ApplyResult, error) {
	return &ApplyResult{System: f.system, EntityID: u.EntityID}, nil
}

func (f *fakeAdapter) HealthCheck(_ context.Context) Health {
	return Health{Healthy: true}
}

func (f *fakeAdapter) Dependencies(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{system: types.SystemTracker}
	if err := r.Register(a); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, err := r.Get(types.SystemTracker)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != Adapter(a) {
		t.Errorf("Get() returned a different adapter")
	}

	if _, err := r.Get(types.SystemVCS); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Get(unregistered) error = %v, want ErrNotRegistered", err)
	}
}

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeAdapter{system: types.SystemTracker}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register(&fakeAdapter{system: types.SystemTracker}); err == nil {
		t.Errorf("Register() duplicate = nil, want error")
	}
	if err := r.Register(&fakeAdapter{system: "mainframe"}); err == nil {
		t.Errorf("Register() unknown system = nil, want error")
	}
	if err := r.Register(nil); err == nil {
		t.Errorf("Register(nil) = nil, want error")
	}
}

func TestRegistrySystemsStableOrder(t *testing.T) {
	r := NewRegistry()
	for _, sys := range []types.SystemName{types.SystemVCS, types.SystemDatabase, types.SystemAgents} {
		if err := r.Register(&fakeAdapter{system: sys}); err != nil {
			t.Fatalf("Register(%s) error: %v", sys, err)
		}
	}
	got := r.Systems()
	want := []types.SystemName{types.SystemAgents, types.SystemDatabase, types.SystemVCS}
	if len(got) != len(want) {
		t.Fatalf("Systems() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Systems()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{system: types.SystemTracker}
	b := &fakeAdapter{system: types.SystemVCS}
	for _, ad := range []*fakeAdapter{a, b} {
		if err := r.Register(ad); err != nil {
			t.Fatalf("Register() error: %v", err)
		}
	}
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error: %v", err)
	}
	if !a.closed || !b.closed {
		t.Errorf("adapters not closed: a=%v b=%v", a.closed, b.closed)
	}
	if len(r.Systems()) != 0 {
		t.Errorf("registry not emptied after CloseAll")
	}
}

func TestPermanentClassification(t *testing.T) {
	base := errors.New("entity not found")
	perm := Permanent(base)

	if !IsPermanent(perm) {
		t.Errorf("IsPermanent(Permanent(err)) = false")
	}
	if IsPermanent(base) {
		t.Errorf("IsPermanent(plain err) = true")
	}
	if IsPermanent(nil) {
		t.Errorf("IsPermanent(nil) = true")
	}
	if Permanent(nil) != nil {
		t.Errorf("Permanent(nil) != nil")
	}

	// The marker survives wrapping and unwraps to the cause.
	wrapped := fmt.Errorf("dispatch database: %w", perm)
	if !IsPermanent(wrapped) {
		t.Errorf("IsPermanent(wrapped) = false")
	}
	if !errors.Is(wrapped, base) {
		t.Errorf("wrapped permanent error lost its cause")
	}
}

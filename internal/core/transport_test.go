package core

import (
	"context"
	"errors"
	"testing"
)

type fakeTransport struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Start(ctx context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return f.stopErr
}

func TestTransportManagerOrder(t *testing.T) {
	var log []string
	mgr := NewTransportManager()
	for _, name := range []string{"web", "replication"} {
		if err := mgr.Register(&fakeTransport{name: name, log: &log}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := mgr.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	want := []string{"start:web", "start:replication", "stop:replication", "stop:web"}
	if len(log) != len(want) {
		t.Fatalf("unexpected calls: %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("call %d: want %s, got %s", i, want[i], log[i])
		}
	}
}

func TestTransportManagerStartFailureStopsStarted(t *testing.T) {
	var log []string
	mgr := NewTransportManager()
	_ = mgr.Register(&fakeTransport{name: "web", log: &log})
	_ = mgr.Register(&fakeTransport{name: "replication", startErr: errors.New("dial"), log: &log})
	if err := mgr.StartAll(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if log[len(log)-1] != "stop:web" {
		t.Fatalf("started transport must be stopped, calls: %v", log)
	}
}

func TestTransportManagerDuplicateRegister(t *testing.T) {
	var log []string
	mgr := NewTransportManager()
	if err := mgr.Register(&fakeTransport{name: "web", log: &log}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := mgr.Register(&fakeTransport{name: "web", log: &log}); !errors.Is(err, errTransportExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestTransportManagerStopOneUnknown(t *testing.T) {
	mgr := NewTransportManager()
	err := mgr.StopOne(context.Background(), "missing")
	if !errors.Is(err, errUnknownTransport) {
		t.Fatalf("expected errUnknownTransport, got: %v", err)
	}
}

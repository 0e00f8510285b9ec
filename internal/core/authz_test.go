package core

import "testing"

func TestAllowlistAuthorizerAuthorize(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"u1", "u2"},
	})
	if err := a.Authorize(Subject{Source: "web", ID: "u1"}, Action{Module: "trip", Command: "start"}); err != nil {
		t.Fatalf("expected allow, got error: %v", err)
	}
}

func TestAllowlistAuthorizerDenyUnknownID(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"u1"},
	})
	if err := a.Authorize(Subject{Source: "web", ID: "u9"}, Action{Module: "trip", Command: "start"}); err == nil {
		t.Fatalf("expected deny")
	}
}

func TestAllowlistAuthorizerDenyUnknownSource(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"u1"},
	})
	if err := a.Authorize(Subject{Source: "cli", ID: "u1"}, Action{Module: "trip", Command: "start"}); err == nil {
		t.Fatalf("expected deny")
	}
}

func TestAllowlistAuthorizerWildcard(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"cli": {AnyID},
	})
	if err := a.Authorize(Subject{Source: "cli", ID: "anyone"}, Action{Module: "trip", Command: "list"}); err != nil {
		t.Fatalf("expected wildcard allow, got %v", err)
	}
}

func TestAllowlistAuthorizerSyncConfirmRequiresSyncSubject(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"u1", "replicator"},
	}, "replicator")
	confirm := Action{Module: "sync", Command: "confirm"}
	if err := a.Authorize(Subject{Source: "web", ID: "u1"}, confirm); err == nil {
		t.Fatal("operator must not confirm sync")
	}
	if err := a.Authorize(Subject{Source: "web", ID: "replicator"}, confirm); err != nil {
		t.Fatalf("replicator should confirm sync: %v", err)
	}
}

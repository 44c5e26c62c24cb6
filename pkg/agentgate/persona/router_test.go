package persona

import (
	"errors"
	"sync"
	"testing"
)

func testPersonas() []*Persona {
	return []*Persona{
		{Name: "support", Conversations: []string{"help-desk", "tickets"}},
		{Name: "dev", Conversations: []string{"engineering"}},
		{Name: "general", Default: true},
	}
}

func TestRouterResolveBinding(t *testing.T) {
	r, err := NewRouter(testPersonas())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	p, err := r.Resolve("help-desk")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name != "support" {
		t.Errorf("expected support, got %s", p.Name)
	}
}

func TestRouterResolveFallsBackToDefault(t *testing.T) {
	r, _ := NewRouter(testPersonas())

	p, err := r.Resolve("unknown-conversation")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name != "general" {
		t.Errorf("expected default persona, got %s", p.Name)
	}
}

func TestRouterNoRouteWithoutDefault(t *testing.T) {
	r, err := NewRouter([]*Persona{
		{Name: "support", Conversations: []string{"help-desk"}},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	if _, err := r.Resolve("unbound"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestRouterFirstBindingWins(t *testing.T) {
	r, err := NewRouter([]*Persona{
		{Name: "first", Conversations: []string{"shared"}},
		{Name: "second", Conversations: []string{"shared"}},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	p, err := r.Resolve("shared")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name != "first" {
		t.Errorf("expected first-listed persona, got %s", p.Name)
	}
}

func TestRouterRejectsDuplicateNames(t *testing.T) {
	_, err := NewRouter([]*Persona{
		{Name: "dup"},
		{Name: "dup"},
	})
	if err == nil {
		t.Error("expected error for duplicate persona names")
	}
}

func TestRouterRejectsUnnamedPersona(t *testing.T) {
	if _, err := NewRouter([]*Persona{{Name: ""}}); err == nil {
		t.Error("expected error for empty persona name")
	}
}

func TestRouterGet(t *testing.T) {
	r, _ := NewRouter(testPersonas())
	if p := r.Get("dev"); p == nil || p.Name != "dev" {
		t.Errorf("get dev: %+v", p)
	}
	if p := r.Get("missing"); p != nil {
		t.Errorf("expected nil for unknown persona, got %+v", p)
	}
}

func TestRouterReloadSwapsAtomically(t *testing.T) {
	r, _ := NewRouter(testPersonas())

	if err := r.Reload([]*Persona{
		{Name: "night-shift", Conversations: []string{"help-desk"}, Default: true},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p, err := r.Resolve("help-desk")
	if err != nil {
		t.Fatalf("resolve after reload: %v", err)
	}
	if p.Name != "night-shift" {
		t.Errorf("expected reloaded persona, got %s", p.Name)
	}
}

func TestRouterReloadFailureKeepsOldIndex(t *testing.T) {
	r, _ := NewRouter(testPersonas())

	if err := r.Reload([]*Persona{{Name: "dup"}, {Name: "dup"}}); err == nil {
		t.Fatal("expected reload to fail")
	}

	// The old index must still serve.
	p, err := r.Resolve("help-desk")
	if err != nil || p.Name != "support" {
		t.Errorf("old index lost after failed reload: %v, %+v", err, p)
	}
}

func TestRouterConcurrentResolveDuringReload(t *testing.T) {
	r, _ := NewRouter(testPersonas())

	stop := make(chan struct{})
	var reloader sync.WaitGroup
	reloader.Add(1)
	go func() {
		defer reloader.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = r.Reload(testPersonas())
			}
		}
	}()

	var resolvers sync.WaitGroup
	for i := 0; i < 4; i++ {
		resolvers.Add(1)
		go func() {
			defer resolvers.Done()
			for j := 0; j < 1000; j++ {
				p, err := r.Resolve("help-desk")
				if err != nil || p == nil {
					t.Errorf("resolve during reload: %v", err)
					return
				}
			}
		}()
	}

	resolvers.Wait()
	close(stop)
	reloader.Wait()
}

func TestPersonaAllowsTool(t *testing.T) {
	open := &Persona{Name: "open"}
	if !open.AllowsTool("anything") {
		t.Error("nil allowlist should allow every tool")
	}

	restricted := &Persona{Name: "restricted", Tools: []string{"read_file"}}
	if !restricted.AllowsTool("read_file") {
		t.Error("listed tool denied")
	}
	if restricted.AllowsTool("exec") {
		t.Error("unlisted tool allowed")
	}
}

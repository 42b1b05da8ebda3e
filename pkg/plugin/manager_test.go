package plugin

import (
	"context"
	"testing"
)

type fakeNotifierPlugin struct {
	info       Info
	configured bool
	started    bool
	stopped    bool
}

func (p *fakeNotifierPlugin) Info() Info { return p.info }

func (p *fakeNotifierPlugin) Configure(cfg map[string]any) error {
	p.configured = true
	if _, ok := cfg["endpoint"]; !ok {
		cfg["endpoint"] = "http://localhost"
	}
	return nil
}

func (p *fakeNotifierPlugin) Init(*ExecutionContext) error { return nil }

func (p *fakeNotifierPlugin) Start(*ExecutionContext) error {
	p.started = true
	return nil
}

func (p *fakeNotifierPlugin) Stop(*ExecutionContext) error {
	p.stopped = true
	return nil
}

func TestManagerLifecycle(t *testing.T) {
	manager, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	p := &fakeNotifierPlugin{info: Info{ID: "webhook", Category: TypeNotifier}}
	if err := manager.Register("webhook", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !p.configured {
		t.Fatal("plugin was not configured during registration")
	}

	if len(manager.Active()) != 0 {
		t.Fatal("plugin should not be active before start")
	}

	ctx := context.Background()
	if err := manager.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if !p.started {
		t.Fatal("plugin was not started")
	}
	if got := len(manager.Active()); got != 1 {
		t.Fatalf("expected 1 active plugin, got %d", got)
	}

	state, err := manager.State("webhook")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != StateStarted {
		t.Fatalf("unexpected state: %s", state)
	}

	if err := manager.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if !p.stopped {
		t.Fatal("plugin was not stopped")
	}
	if len(manager.Active()) != 0 {
		t.Fatal("stopped plugin still reported active")
	}
}

func TestCapabilityPolicyEnforced(t *testing.T) {
	manager, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	p := &fakeNotifierPlugin{info: Info{
		ID:           "exec",
		Category:     TypeNotifier,
		Capabilities: []Capability{CapabilityExecution},
	}}

	// A plugin requesting capabilities must carry an explicit policy.
	if err := manager.Register("exec", p, nil, IsolationPolicy{}); err == nil {
		t.Fatal("expected registration to fail without a policy")
	}

	denied := IsolationPolicy{DeniedCapabilities: []Capability{CapabilityExecution}}
	if err := manager.Register("exec", p, nil, denied); err == nil {
		t.Fatal("expected registration to fail for denied capability")
	}

	allowed := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityExecution}}
	if err := manager.Register("exec", p, nil, allowed); err != nil {
		t.Fatalf("register with allowed capability: %v", err)
	}
}

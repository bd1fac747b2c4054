package agent_test

import (
	"context"
	"slices"
	"testing"

	"github.com/Strob0t/PipeForge/internal/config"
	"github.com/Strob0t/PipeForge/internal/port/agent"
)

type fakeInvoker struct{ name string }

func (f *fakeInvoker) Name() string { return f.name }

func (f *fakeInvoker) Invoke(context.Context, *agent.Request) (*agent.Result, error) {
	return &agent.Result{Status: agent.CompletedExit}, nil
}

func (f *fakeInvoker) Stop(context.Context, string) error { return nil }

func TestRegistryRoundTrip(t *testing.T) {
	agent.Register("fake", func(cfg config.Agent) (agent.Invoker, error) {
		return &fakeInvoker{name: "fake"}, nil
	})

	inv, err := agent.New("fake", config.Agent{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if inv.Name() != "fake" {
		t.Errorf("name = %q, want fake", inv.Name())
	}

	if !slices.Contains(agent.Available(), "fake") {
		t.Error("Available should list the registered invoker")
	}
}

func TestRegistryUnknownName(t *testing.T) {
	if _, err := agent.New("nope", config.Agent{}); err == nil {
		t.Fatal("expected error for unknown invoker")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	agent.Register("dup", func(config.Agent) (agent.Invoker, error) { return nil, nil })
	agent.Register("dup", func(config.Agent) (agent.Invoker, error) { return nil, nil })
}

package bootstrap

import (
	"context"
	"errors"
	"testing"

	"identity-server-go/internal/domain/otp"
	"identity-server-go/internal/domain/ratelimit"
	"identity-server-go/internal/domain/webauthn"
)

func TestInitGraphOrder(t *testing.T) {
	steps := InitGraph()
	want := []string{
		"config:load",
		"logging:init-provider",
		"observability:setup-hooks",
		"storage:open-database",
		"redis:connect",
		"domain:wire-services",
	}
	if len(steps) != len(want) {
		t.Fatalf("unexpected step count: got %d want %d", len(steps), len(want))
	}
	for i, step := range steps {
		if step.ID != want[i] {
			t.Fatalf("step %d mismatch: got %s want %s", i, step.ID, want[i])
		}
	}
}

func TestInitGraphDependenciesResolvable(t *testing.T) {
	seen := make(map[string]struct{})
	for _, step := range InitGraph() {
		for _, dep := range step.DependsOn {
			if _, ok := seen[dep]; !ok {
				t.Fatalf("step %s depends on %s before it is defined", step.ID, dep)
			}
		}
		seen[step.ID] = struct{}{}
	}
}

func TestExecuteInitStepsRunsInOrder(t *testing.T) {
	var order []string
	record := func(id string) stepFn {
		return func(context.Context, *appState) error {
			order = append(order, id)
			return nil
		}
	}

	steps := []initStep{
		{ID: "first", Execute: record("first")},
		{ID: "second", DependsOn: []string{"first"}, Execute: record("second")},
		{ID: "third", DependsOn: []string{"second"}, Execute: record("third")},
	}
	if err := executeInitSteps(context.Background(), steps, &appState{}); err != nil {
		t.Fatalf("executeInitSteps: %v", err)
	}
	if len(order) != 3 || order[0] != "first" || order[2] != "third" {
		t.Fatalf("unexpected execution order %v", order)
	}
}

func TestExecuteInitStepsRejectsUnmetDependency(t *testing.T) {
	steps := []initStep{
		{ID: "late", DependsOn: []string{"missing"}, Execute: func(context.Context, *appState) error { return nil }},
	}
	if err := executeInitSteps(context.Background(), steps, &appState{}); err == nil {
		t.Fatal("expected unmet dependency to fail")
	}
}

func TestExecuteInitStepsStopsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	var reached bool
	steps := []initStep{
		{ID: "explode", Execute: func(context.Context, *appState) error { return boom }},
		{ID: "after", DependsOn: []string{"explode"}, Execute: func(context.Context, *appState) error {
			reached = true
			return nil
		}},
	}
	err := executeInitSteps(context.Background(), steps, &appState{})
	if err == nil {
		t.Fatal("expected failure to propagate")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause lost: %v", err)
	}
	if reached {
		t.Fatal("steps after a failure must not run")
	}
}

func TestCloseStateReleasesComponents(t *testing.T) {
	t.Chdir(t.TempDir())

	state := &appState{}
	if err := executeInitSteps(context.Background(), InitGraph()[:2], state); err != nil {
		t.Fatalf("executeInitSteps: %v", err)
	}
	defer state.logger.Close()

	limiter, err := ratelimit.New(ratelimit.Config{Driver: ratelimit.DriverMemory}, ratelimit.Dependencies{})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	codes, err := otp.New(otp.Config{Driver: otp.DriverMemory}, otp.Dependencies{})
	if err != nil {
		t.Fatalf("otp.New: %v", err)
	}
	challenges, err := webauthn.NewChallengeStore(
		webauthn.ChallengeConfig{Driver: webauthn.DriverMemory},
		webauthn.ChallengeDependencies{},
	)
	if err != nil {
		t.Fatalf("webauthn.NewChallengeStore: %v", err)
	}
	state.limiter = limiter
	state.codes = codes
	state.challenges = challenges

	closeState(state, state.logger)
}

func TestSmokeConfigAndLogging(t *testing.T) {
	t.Chdir(t.TempDir())

	state := &appState{}
	steps := InitGraph()[:2] // config:load + logging:init-provider
	if err := executeInitSteps(context.Background(), steps, state); err != nil {
		t.Fatalf("executeInitSteps: %v", err)
	}
	if state.config == nil {
		t.Fatal("config is nil after init")
	}
	if state.logger == nil {
		t.Fatal("logger is nil after init")
	}
	state.logger.Close()
}

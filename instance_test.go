package challrun_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/ctfrange/challrun"
)

func TestParseStateRoundTrip(t *testing.T) {
	t.Parallel()

	states := []challrun.State{
		challrun.StateRequested,
		challrun.StateProvisioning,
		challrun.StateRunning,
		challrun.StateExpiring,
		challrun.StateTerminating,
		challrun.StateTerminated,
		challrun.StateFailed,
	}

	for _, s := range states {
		got, err := challrun.ParseState(s.String())
		if err != nil {
			t.Errorf("ParseState(%q) error = %v", s.String(), err)
			continue
		}
		if got != s {
			t.Errorf("ParseState(%q) = %v, want %v", s.String(), got, s)
		}
	}

	if _, err := challrun.ParseState("paused"); err == nil {
		t.Error("ParseState(\"paused\") error = nil, want error")
	}
}

func TestStateTerminality(t *testing.T) {
	t.Parallel()

	if !challrun.StateTerminated.IsTerminal() {
		t.Error("StateTerminated.IsTerminal() = false, want true")
	}
	if !challrun.StateFailed.IsTerminal() {
		t.Error("StateFailed.IsTerminal() = false, want true")
	}
	if challrun.StateRunning.IsTerminal() {
		t.Error("StateRunning.IsTerminal() = true, want false")
	}

	// Terminal states absorb: nothing transitions out of them.
	for _, next := range []challrun.State{
		challrun.StateRequested,
		challrun.StateProvisioning,
		challrun.StateRunning,
		challrun.StateTerminating,
	} {
		if challrun.StateTerminated.CanTransition(next) {
			t.Errorf("StateTerminated.CanTransition(%v) = true, want false", next)
		}
		if challrun.StateFailed.CanTransition(next) {
			t.Errorf("StateFailed.CanTransition(%v) = true, want false", next)
		}
	}

	if !challrun.StateRunning.CanTransition(challrun.StateExpiring) {
		t.Error("StateRunning.CanTransition(StateExpiring) = false, want true")
	}
	if challrun.StateRunning.CanTransition(challrun.StateTerminated) {
		t.Error("StateRunning.CanTransition(StateTerminated) = true, want false: teardown goes through StateExpiring and StateTerminating")
	}
}

func TestParseBackendKindRoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range []challrun.BackendKind{
		challrun.BackendLocal,
		challrun.BackendRemoteSecure,
		challrun.BackendUnsupported,
	} {
		got, err := challrun.ParseBackendKind(k.String())
		if err != nil {
			t.Errorf("ParseBackendKind(%q) error = %v", k.String(), err)
			continue
		}
		if got != k {
			t.Errorf("ParseBackendKind(%q) = %v, want %v", k.String(), got, k)
		}
	}

	if _, err := challrun.ParseBackendKind("podman"); err == nil {
		t.Error("ParseBackendKind(\"podman\") error = nil, want error")
	}
}

func TestInstanceSlotAndExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Minute)

	in := &challrun.Instance{
		ChallengeID: 42,
		OwnerKey:    "team-7",
		ExpiresAt:   &past,
	}

	if got := in.Slot(); got != "42/team-7" {
		t.Errorf("Slot() = %q, want %q", got, "42/team-7")
	}
	if !in.Expired(now) {
		t.Error("Expired(now) = false, want true for a past deadline")
	}

	// Always-on overrides any stored deadline.
	in.AlwaysOn = true
	if in.Expired(now) {
		t.Error("Expired(now) = true for an always-on instance, want false")
	}
}

func TestInstanceCloneDetaches(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour)
	in := &challrun.Instance{
		ID:        "inst-1",
		ExpiresAt: &exp,
		Access: &challrun.AccessInfo{
			Host: "challs.example.org",
			URL:  "http://challs.example.org:30001",
			Ports: []challrun.PortBinding{
				{ContainerPort: 1337, HostPort: 30001, Protocol: "tcp"},
			},
		},
	}

	cp := in.Clone()
	cp.Access.Host = "mutated"
	cp.Access.Ports[0].HostPort = 1
	*cp.ExpiresAt = exp.Add(24 * time.Hour)

	if in.Access.Host != "challs.example.org" {
		t.Errorf("original Access.Host = %q after mutating the clone, want unchanged", in.Access.Host)
	}
	if in.Access.Ports[0].HostPort != 30001 {
		t.Errorf("original HostPort = %d after mutating the clone, want 30001", in.Access.Ports[0].HostPort)
	}
	if !in.ExpiresAt.Equal(exp) {
		t.Errorf("original ExpiresAt = %v after mutating the clone, want %v", in.ExpiresAt, exp)
	}
}

// TestStateMethodCount is a canary test that detects when methods are added
// to core.State, which automatically expands the public API through the
// type alias in instance.go.
//
// State intentionally exposes exactly four methods via the alias: IsValid,
// IsTerminal, CanTransition, and String. If this test fails, update
// expectedMethods if the addition is intentional, or reconsider putting the
// method on core.State at all.
func TestStateMethodCount(t *testing.T) {
	t.Parallel()

	const expectedMethods = 4

	actual := reflect.TypeFor[challrun.State]().NumMethod()
	if actual != expectedMethods {
		t.Errorf("State has %d methods, expected %d; "+
			"methods added to core.State automatically become public API "+
			"through the type alias in instance.go — update expectedMethods "+
			"in this test if the addition is intentional",
			actual, expectedMethods)
	}
}

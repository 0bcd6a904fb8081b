package core

import (
	"testing"
	"time"
)

func TestSlotKey(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		challengeID int64
		ownerKey    string
		want        string
	}{
		"dynamic owner": {42, "team-blue", "42/team-blue"},
		"shared owner":  {7, SharedOwnerKey, "7/@shared"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := SlotKey(tc.challengeID, tc.ownerKey); got != tc.want {
				t.Errorf("SlotKey(%d, %q) = %q, want %q", tc.challengeID, tc.ownerKey, got, tc.want)
			}

			in := &Instance{ChallengeID: tc.challengeID, OwnerKey: tc.ownerKey}
			if got := in.Slot(); got != tc.want {
				t.Errorf("Slot() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInstanceExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := map[string]struct {
		expiresAt *time.Time
		alwaysOn  bool
		want      bool
	}{
		"no deadline":              {nil, false, false},
		"deadline in the past":     {&past, false, true},
		"deadline exactly now":     {&now, false, true},
		"deadline in the future":   {&future, false, false},
		"always-on ignores expiry": {&past, true, false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := &Instance{ExpiresAt: tc.expiresAt, AlwaysOn: tc.alwaysOn}
			if got := in.Expired(now); got != tc.want {
				t.Errorf("Expired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInstanceClone(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(time.Hour)
	terminated := time.Now()
	in := &Instance{
		ID:           "inst-1",
		ChallengeID:  5,
		OwnerKey:     "team-red",
		State:        StateRunning,
		ExpiresAt:    &expires,
		TerminatedAt: &terminated,
		Access: &AccessInfo{
			Host: "challs.example.org",
			URL:  "http://challs.example.org:31337",
			Ports: []PortBinding{
				{ContainerPort: 1337, HostPort: 31337, Protocol: "tcp"},
			},
		},
	}

	got := in.Clone()
	if got == in {
		t.Fatal("Clone() returned the same pointer")
	}

	*got.ExpiresAt = got.ExpiresAt.Add(time.Hour)
	*got.TerminatedAt = got.TerminatedAt.Add(time.Hour)
	got.Access.Host = "elsewhere"
	got.Access.Ports[0].HostPort = 1

	if !in.ExpiresAt.Equal(expires) {
		t.Error("mutating the clone's ExpiresAt changed the original")
	}
	if !in.TerminatedAt.Equal(terminated) {
		t.Error("mutating the clone's TerminatedAt changed the original")
	}
	if in.Access.Host != "challs.example.org" {
		t.Error("mutating the clone's access host changed the original")
	}
	if in.Access.Ports[0].HostPort != 31337 {
		t.Error("mutating the clone's port bindings changed the original")
	}
}

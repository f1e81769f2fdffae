package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowhost/internal/session"
)

type stubSecrets struct{}

func (stubSecrets) Get(context.Context, string) (string, error) { return "", nil }

type stubTelemetry struct{ session.Telemetry }

type stubSessionHost struct{ session.SessionHost }

type stubStateHost struct{ session.StateHost }

func TestNewBundle_WiresCollaboratorsAndDefaultPolicy(t *testing.T) {
	secrets := stubSecrets{}
	telemetry := stubTelemetry{}
	sessions := stubSessionHost{}
	state := stubStateHost{}

	b := NewBundle(secrets, telemetry, sessions, state)

	require.Equal(t, secrets, b.Secrets)
	require.Equal(t, telemetry, b.Telemetry)
	require.Equal(t, sessions, b.Session)
	require.Equal(t, state, b.State)
	require.Equal(t, session.DefaultPolicy(), b.Policy)
}

// Package host assembles the cross-cutting collaborators the session
// state machine needs but does not itself construct: secrets, telemetry,
// and the durability stores. It also carries the
// policy defaults and the retry envelope used across a TenantRuntime.
package host

import (
	"context"

	"github.com/flowforge/flowhost/internal/session"
)

// SecretsHost resolves a declared secret name to its value. Only names a
// tenant's binding explicitly declares may resolve.
type SecretsHost interface {
	Get(ctx context.Context, name string) (string, error)
}

// Bundle carries the collaborators a TenantRuntime wires into its
// session.Machine.
type Bundle struct {
	Secrets   SecretsHost
	Telemetry session.Telemetry
	Session   session.SessionHost
	State     session.StateHost
	Policy    session.Policy
}

// NewBundle constructs a Bundle with the default session step policy;
// callers override fields as needed before building a session.Machine
// from it.
func NewBundle(secrets SecretsHost, telemetry session.Telemetry, sessions session.SessionHost, state session.StateHost) *Bundle {
	return &Bundle{
		Secrets:   secrets,
		Telemetry: telemetry,
		Session:   sessions,
		State:     state,
		Policy:    session.DefaultPolicy(),
	}
}

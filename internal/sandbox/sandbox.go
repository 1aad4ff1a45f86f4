// Package sandbox defines the contract between a Worker and the isolated,
// per-policy evaluator instances it owns. The evaluator itself — the WASM
// engine that actually runs a policy module — is an external collaborator
// (spec.md §1 treats it as out of scope); this package only owns the seam
// and a reference implementation used by tests and by the "native" policy
// mode described in DESIGN.md.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-server/internal/admreview"
	"github.com/kubewarden/policy-server/internal/broker"
)

// ValidateRequest is what a Worker hands to an Evaluator for a single
// admission request.
type ValidateRequest struct {
	PolicyID string
	Request  *admreview.Request
}

// Evaluator is a single, non-shareable sandbox instance bound to one policy.
// It must never be called from more than one goroutine at a time — the
// Worker that owns it enforces this by construction (one Evaluator per
// policy per Worker, never shared).
type Evaluator interface {
	// Validate runs the policy against req and returns a verdict. It must
	// never return an error for a policy-level failure (timeout, runtime
	// panic inside the module, invalid settings discovered late) — those
	// are reported as a verdict with Allowed=false and a descriptive
	// Status, per spec.md §7. An error return is reserved for something
	// that makes the Evaluator itself unusable going forward.
	Validate(ctx context.Context, req ValidateRequest) (*admreview.Verdict, error)

	// ValidateSettings checks the settings supplied at construction time
	// are acceptable to the policy. Called exactly once, during Worker
	// construction.
	ValidateSettings() error

	// Close releases any resources (module instance, memory) held by the
	// evaluator. Called when the owning Worker exits.
	Close() error
}

// Factory constructs an Evaluator for one policy, given the local module
// path produced by the Module Acquirer and the free-form settings document
// from the policy descriptor. client is the Evaluator's handle onto the
// Callback Broker, for policies that need a manifest digest, a signature
// check, or a cluster-state lookup mid-evaluation; it is nil wherever no
// broker is wired in (e.g. most unit tests), and an Evaluator that actually
// needs it must fail closed rather than silently skip the check.
type Factory func(policyID, modulePath string, settings json.RawMessage, client *broker.Client) (Evaluator, error)

// ErrUnknownPolicy is the sentinel a Worker reports when asked to evaluate
// against a policy id it has no Evaluator for — a distinct outcome from
// any error the Evaluator itself could produce (spec.md §3).
var ErrUnknownPolicy = fmt.Errorf("unknown policy")

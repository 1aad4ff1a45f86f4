// Package broker implements the Callback Broker: the single goroutine a
// Worker's sandboxed evaluation calls out to for anything the sandbox
// itself cannot do (resolve a manifest digest, check a signature,
// query cluster state). Grounded on the acquire/dispatch-goroutine shape
// of other_examples' OPA WASM pool
// (5d2198e7_open-policy-agent-opa__internal-wasm-sdk-opa-pool.go.go) and
// on spec.md §4's Callback Broker component.
package broker

import (
	"context"
	"fmt"
	"sync"
)

// Kind identifies which external capability a CallbackRequest needs.
type Kind int

const (
	KindManifestDigest Kind = iota
	KindVerifySignature
	KindClusterQuery
)

// CallbackRequest is what a Worker sends to the Broker on behalf of a
// sandboxed policy evaluation. Client.Call creates Reply with capacity
// 1 — exactly one result is ever sent on it, and the Broker closes
// nothing; the sender abandons it on timeout via ctx.
type CallbackRequest struct {
	Kind    Kind
	Payload any
	Reply   chan CallbackResult
}

// CallbackResult carries either a value or an error, never both.
type CallbackResult struct {
	Value any
	Err   error
}

// ManifestDigestFunc resolves the content digest of an OCI reference.
type ManifestDigestFunc func(ctx context.Context, ref string) (string, error)

// VerifySignatureFunc checks a reference's signatures against a named
// verification config and reports whether they satisfy it.
type VerifySignatureFunc func(ctx context.Context, ref string, verificationConfigName string) (bool, error)

// ClusterQueryFunc resolves a cluster-state query a context-aware policy
// issued (spec.md §9's supplemented context_aware_resources feature).
type ClusterQueryFunc func(ctx context.Context, apiVersion, kind, namespace, name string) (any, error)

// Services bundles the concrete implementations of each callback kind.
// Any of them may be nil, in which case a request of that Kind fails
// immediately — this is how --ignore-kubernetes-connection-failure and
// similar degraded-mode flags are expressed without special-casing the
// Broker's dispatch loop.
type Services struct {
	ManifestDigest  ManifestDigestFunc
	VerifySignature VerifySignatureFunc
	ClusterQuery    ClusterQueryFunc
}

// Broker funnels requests for the external collaborators above through a
// single dispatch goroutine, which services each one concurrently in a
// goroutine of its own — the same structural role api.rs's
// callback_handler plays in the original implementation.
type Broker struct {
	services Services
	requests chan CallbackRequest
	wg       sync.WaitGroup
}

// New builds a Broker with the given backlog capacity for pending
// requests. A full backlog makes Send block, applying backpressure to
// the Worker that issued the callback rather than growing memory
// unbounded.
func New(services Services, backlog int) *Broker {
	return &Broker{
		services: services,
		requests: make(chan CallbackRequest, backlog),
	}
}

// Run dispatches callback requests until ctx is canceled. Each request is
// serviced in its own goroutine so one slow cluster query never blocks
// the rest; Run itself returns once ctx is done and every in-flight
// service() goroutine has finished.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.wg.Wait()
			return
		case req := <-b.requests:
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.service(ctx, req)
			}()
		}
	}
}

// Send enqueues req for servicing, blocking if the backlog is full or
// ctx is canceled first.
func (b *Broker) Send(ctx context.Context, req CallbackRequest) error {
	select {
	case b.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) service(ctx context.Context, req CallbackRequest) {
	result := b.handle(ctx, req)
	select {
	case req.Reply <- result:
	case <-ctx.Done():
	}
}

func (b *Broker) handle(ctx context.Context, req CallbackRequest) CallbackResult {
	switch req.Kind {
	case KindManifestDigest:
		return b.handleManifestDigest(ctx, req)
	case KindVerifySignature:
		return b.handleVerifySignature(ctx, req)
	case KindClusterQuery:
		return b.handleClusterQuery(ctx, req)
	default:
		return CallbackResult{Err: fmt.Errorf("unknown callback kind %v", req.Kind)}
	}
}

func (b *Broker) handleManifestDigest(ctx context.Context, req CallbackRequest) CallbackResult {
	if b.services.ManifestDigest == nil {
		return CallbackResult{Err: fmt.Errorf("manifest digest lookups are not available")}
	}
	ref, ok := req.Payload.(string)
	if !ok {
		return CallbackResult{Err: fmt.Errorf("manifest digest request: expected a string reference")}
	}
	digest, err := b.services.ManifestDigest(ctx, ref)
	if err != nil {
		return CallbackResult{Err: err}
	}
	return CallbackResult{Value: digest}
}

// VerifySignaturePayload is the Payload shape for a KindVerifySignature
// request.
type VerifySignaturePayload struct {
	Reference        string
	VerificationName string
}

func (b *Broker) handleVerifySignature(ctx context.Context, req CallbackRequest) CallbackResult {
	if b.services.VerifySignature == nil {
		return CallbackResult{Err: fmt.Errorf("signature verification is not available")}
	}
	payload, ok := req.Payload.(VerifySignaturePayload)
	if !ok {
		return CallbackResult{Err: fmt.Errorf("verify signature request: unexpected payload type")}
	}
	ok2, err := b.services.VerifySignature(ctx, payload.Reference, payload.VerificationName)
	if err != nil {
		return CallbackResult{Err: err}
	}
	return CallbackResult{Value: ok2}
}

// ClusterQueryPayload is the Payload shape for a KindClusterQuery request.
type ClusterQueryPayload struct {
	APIVersion string
	Kind       string
	Namespace  string
	Name       string
}

func (b *Broker) handleClusterQuery(ctx context.Context, req CallbackRequest) CallbackResult {
	if b.services.ClusterQuery == nil {
		return CallbackResult{Err: fmt.Errorf("cluster queries are not available")}
	}
	payload, ok := req.Payload.(ClusterQueryPayload)
	if !ok {
		return CallbackResult{Err: fmt.Errorf("cluster query request: unexpected payload type")}
	}
	value, err := b.services.ClusterQuery(ctx, payload.APIVersion, payload.Kind, payload.Namespace, payload.Name)
	if err != nil {
		return CallbackResult{Err: err}
	}
	return CallbackResult{Value: value}
}

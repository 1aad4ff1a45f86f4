package broker

import (
	"context"
	"fmt"
	"time"
)

// Client is the synchronous handle a Worker hands to each sandboxed
// evaluation: one call in, one result out, bounded by the policy's
// configured timeout. This resolves spec.md §1 Open Question (b):
// callback waits count against the same per-evaluation timeout budget
// as the rest of the evaluation, rather than being unbounded.
type Client struct {
	broker  *Broker
	timeout time.Duration
}

// NewClient builds a Client bound to broker, with each call limited to
// timeout.
func NewClient(b *Broker, timeout time.Duration) *Client {
	return &Client{broker: b, timeout: timeout}
}

// Call sends a request and blocks for its result or until the timeout
// elapses, whichever comes first.
func (c *Client) Call(ctx context.Context, kind Kind, payload any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := make(chan CallbackResult, 1)
	req := CallbackRequest{Kind: kind, Payload: payload, Reply: reply}

	if err := c.broker.Send(callCtx, req); err != nil {
		return nil, fmt.Errorf("sending callback request: %w", err)
	}

	select {
	case result := <-reply:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Value, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("callback timed out: %w", callCtx.Err())
	}
}

// ManifestDigest resolves ref's content digest via the broker.
func (c *Client) ManifestDigest(ctx context.Context, ref string) (string, error) {
	v, err := c.Call(ctx, KindManifestDigest, ref)
	if err != nil {
		return "", err
	}
	digest, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("manifest digest callback returned unexpected type %T", v)
	}
	return digest, nil
}

// VerifySignature checks ref's signatures against verificationName via
// the broker.
func (c *Client) VerifySignature(ctx context.Context, ref, verificationName string) (bool, error) {
	v, err := c.Call(ctx, KindVerifySignature, VerifySignaturePayload{Reference: ref, VerificationName: verificationName})
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("verify signature callback returned unexpected type %T", v)
	}
	return ok, nil
}

// ClusterQuery resolves a cluster-state lookup via the broker.
func (c *Client) ClusterQuery(ctx context.Context, apiVersion, kind, namespace, name string) (any, error) {
	return c.Call(ctx, KindClusterQuery, ClusterQueryPayload{APIVersion: apiVersion, Kind: kind, Namespace: namespace, Name: name})
}

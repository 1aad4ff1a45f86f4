package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-server/internal/admreview"
	"github.com/kubewarden/policy-server/internal/broker"
)

// NativeFunc is a policy implemented as plain Go, rather than a WASM
// module. It exists so the evaluation plane can be exercised end-to-end
// without a real sandbox engine wired in, and so operators can ship a
// handful of built-in policies without the overhead of a module fetch.
// client is the same Callback Broker handle the Factory that built this
// policy's Evaluator received; most native policies ignore it.
type NativeFunc func(ctx context.Context, req ValidateRequest, settings json.RawMessage, client *broker.Client) (*admreview.Verdict, error)

// nativeEvaluator adapts a NativeFunc to the Evaluator interface. It has no
// internal state beyond its settings, so ValidateSettings is a no-op unless
// the func itself defines one.
type nativeEvaluator struct {
	fn               NativeFunc
	settings         json.RawMessage
	validateSettings func(json.RawMessage) error
	client           *broker.Client
}

// NewNative builds an Evaluator around a NativeFunc. validateSettings may
// be nil, in which case any settings document is accepted. client may be
// nil when no Callback Broker is wired in (e.g. most unit tests); only a
// NativeFunc that actually dials out to it needs one.
func NewNative(fn NativeFunc, settings json.RawMessage, validateSettings func(json.RawMessage) error, client *broker.Client) Evaluator {
	return &nativeEvaluator{fn: fn, settings: settings, validateSettings: validateSettings, client: client}
}

func (e *nativeEvaluator) Validate(ctx context.Context, req ValidateRequest) (*admreview.Verdict, error) {
	return e.fn(ctx, req, e.settings, e.client)
}

func (e *nativeEvaluator) ValidateSettings() error {
	if e.validateSettings == nil {
		return nil
	}
	return e.validateSettings(e.settings)
}

func (e *nativeEvaluator) Close() error { return nil }

// DenyPrivilegedPods is a reference "pod-privileged" policy: it denies any
// Pod whose spec contains a container running in privileged mode. Settings
// are ignored. Grounded on the end-to-end scenario in spec.md §8.
func DenyPrivilegedPods(_ context.Context, req ValidateRequest, _ json.RawMessage, _ *broker.Client) (*admreview.Verdict, error) {
	var pod struct {
		Spec struct {
			Containers []struct {
				SecurityContext *struct {
					Privileged *bool `json:"privileged"`
				} `json:"securityContext"`
			} `json:"containers"`
		} `json:"spec"`
	}

	var envelope struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(req.Request.Raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding admitted object: %w", err)
	}
	if err := json.Unmarshal(envelope.Object, &pod); err != nil {
		return nil, fmt.Errorf("decoding pod spec: %w", err)
	}

	for _, c := range pod.Spec.Containers {
		if c.SecurityContext != nil && c.SecurityContext.Privileged != nil && *c.SecurityContext.Privileged {
			return &admreview.Verdict{
				Allowed: false,
				Status:  &admreview.Status{Message: "privileged containers are not allowed"},
			}, nil
		}
	}

	return &admreview.Verdict{Allowed: true}, nil
}

// NamespaceMustExist is a reference context-aware policy: it denies the
// request unless the target namespace can still be confirmed to exist,
// resolved through the Callback Broker's cluster-query capability rather
// than trusting the admission request's own namespace field. Settings are
// ignored. Grounded on spec.md §9's supplemented context_aware_resources
// feature — this is the kind of check that feature exists to support.
func NamespaceMustExist(ctx context.Context, req ValidateRequest, _ json.RawMessage, client *broker.Client) (*admreview.Verdict, error) {
	if req.Request.Namespace == "" {
		return &admreview.Verdict{Allowed: true}, nil
	}
	if client == nil {
		return nil, fmt.Errorf("policy %q requires the callback broker's cluster-query capability, but none is wired in", req.PolicyID)
	}
	if _, err := client.ClusterQuery(ctx, "v1", "Namespace", "", req.Request.Namespace); err != nil {
		return &admreview.Verdict{
			Allowed: false,
			Status:  &admreview.Status{Message: fmt.Sprintf("namespace %q could not be confirmed to exist: %s", req.Request.Namespace, err)},
		}, nil
	}
	return &admreview.Verdict{Allowed: true}, nil
}

// BuiltinFactory resolves a policy ID to one of the reference native
// policies below, ignoring modulePath entirely. It exists so
// cmd/policy-server has something real to boot the Worker Pool against
// without a WASM engine wired in — the sandboxed evaluator itself is an
// external collaborator out of scope for this repo (see package doc).
// A deployment that needs real WASM policies swaps this Factory for one
// backed by an actual engine; nothing else in the evaluation plane
// changes.
func BuiltinFactory(policyID, _ string, settings json.RawMessage, client *broker.Client) (Evaluator, error) {
	switch policyID {
	case "pod-privileged":
		return NewNative(DenyPrivilegedPods, settings, nil, client), nil
	case "inject-label":
		var cfg struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &cfg); err != nil {
				return nil, fmt.Errorf("policy %q: decoding settings: %w", policyID, err)
			}
		}
		return NewNative(InjectLabel(cfg.Key, cfg.Value), settings, nil, client), nil
	case "namespace-must-exist":
		return NewNative(NamespaceMustExist, settings, nil, client), nil
	default:
		return nil, fmt.Errorf("policy %q: no native evaluator registered and no WASM engine is wired in", policyID)
	}
}

// InjectLabel is a reference mutating policy: it adds a fixed label to
// every admitted object via a JSONPatch, mirroring spec.md §8 scenario 6.
func InjectLabel(key, value string) NativeFunc {
	return func(_ context.Context, _ ValidateRequest, _ json.RawMessage, _ *broker.Client) (*admreview.Verdict, error) {
		patch := []map[string]string{
			{
				"op":    "add",
				"path":  "/metadata/labels/" + key,
				"value": value,
			},
		}
		raw, err := json.Marshal(patch)
		if err != nil {
			return nil, fmt.Errorf("encoding json patch: %w", err)
		}
		return &admreview.Verdict{
			Allowed:   true,
			Patch:     raw,
			PatchType: "JSONPatch",
		}, nil
	}
}

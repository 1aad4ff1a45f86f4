// Package admreview holds the Kubernetes AdmissionReview/AdmissionRequest
// JSON envelopes the front-end exchanges with the API server, and the
// Verdict type the rest of the evaluation plane produces.
package admreview

import (
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AdmissionReviewAPIVersion is the only version this server speaks.
const AdmissionReviewAPIVersion = "admission.k8s.io/v1"

// Review is the envelope the API server sends and expects back.
type Review struct {
	APIVersion string     `json:"apiVersion"`
	Kind       string     `json:"kind"`
	Request    *Request   `json:"request,omitempty"`
	Response   *Verdict   `json:"response,omitempty"`
}

// Request is the subset of AdmissionRequest the evaluation plane looks at
// directly; the full object (including the raw object being admitted) is
// kept verbatim in Raw so it can be forwarded into the sandbox unmodified.
type Request struct {
	UID       string              `json:"uid"`
	Kind      metav1.GroupVersionKind `json:"kind"`
	Resource  metav1.GroupVersionResource `json:"resource"`
	SubResource string            `json:"subResource,omitempty"`
	Name      string              `json:"name,omitempty"`
	Namespace string              `json:"namespace,omitempty"`
	Operation string              `json:"operation"`

	// Raw holds the full, unmodified JSON of the "request" object so the
	// sandboxed evaluator receives exactly the bytes the API server sent,
	// including fields this struct does not model.
	Raw json.RawMessage `json:"-"`
}

// ParseReview decodes a raw AdmissionReview body and validates that it
// carries a request with a non-empty uid. It also stashes the raw bytes of
// the "request" object on Request.Raw for pass-through to the sandbox.
func ParseReview(body []byte) (*Review, error) {
	var envelope struct {
		APIVersion string          `json:"apiVersion"`
		Kind       string          `json:"kind"`
		Request    json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding admission review: %w", err)
	}
	if len(envelope.Request) == 0 {
		return nil, fmt.Errorf("admission review has no request")
	}

	var req Request
	if err := json.Unmarshal(envelope.Request, &req); err != nil {
		return nil, fmt.Errorf("decoding admission request: %w", err)
	}
	if req.UID == "" {
		return nil, fmt.Errorf("admission request has no uid")
	}
	req.Raw = envelope.Request

	return &Review{
		APIVersion: envelope.APIVersion,
		Kind:       envelope.Kind,
		Request:    &req,
	}, nil
}

// Status mirrors metav1.Status's fields the sandbox is allowed to set.
type Status struct {
	Code    int32  `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Verdict is the allow/deny/mutate decision produced by a policy
// evaluation, before the uid and envelope fields are stamped onto it.
type Verdict struct {
	UID              string            `json:"uid"`
	Allowed          bool              `json:"allowed"`
	Status           *Status           `json:"status,omitempty"`
	Patch            []byte            `json:"patch,omitempty"`
	PatchType        string            `json:"patchType,omitempty"`
	AuditAnnotations map[string]string `json:"auditAnnotations,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
}

// Mutated reports whether this verdict carries a mutation patch.
func (v *Verdict) Mutated() bool {
	return v != nil && len(v.Patch) > 0
}

// ReviewResponse wraps a verdict into the response envelope the API server
// expects, stamping the request's uid onto it as spec.md requires.
func ReviewResponse(requestUID string, verdict *Verdict) *Review {
	v := *verdict
	v.UID = requestUID
	if v.Patch != nil && v.PatchType == "" {
		v.PatchType = "JSONPatch"
	}
	return &Review{
		APIVersion: AdmissionReviewAPIVersion,
		Kind:       "AdmissionReview",
		Response:   &v,
	}
}

// Package kube builds the Kubernetes clients the Callback Broker's
// cluster-query capability and the Leader-Elected Maintainer's lease
// management need. Grounded on kubewarden-kubewarden-controller's
// audit-scanner/cmd/root.go, which builds a dynamic client and a typed
// clientset side by side off the same rest.Config.
package kube

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Clients bundles the typed and dynamic clients built off one in-cluster
// or kubeconfig-derived rest.Config.
type Clients struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
}

// NewClients builds Clients from cfg; both binaries pass it the
// in-cluster config returned by InClusterConfig.
func NewClients(cfg *rest.Config) (*Clients, error) {
	typedClient, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building typed client: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building dynamic client: %w", err)
	}
	return &Clients{Typed: typedClient, Dynamic: dynamicClient}, nil
}

// InClusterConfig loads the rest.Config a Pod's service account provides.
// --ignore-kubernetes-connection-failure (spec.md §6) lets the
// Orchestrator treat its absence as a soft failure rather than aborting
// startup.
func InClusterConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("loading in-cluster config: %w", err)
	}
	return cfg, nil
}

// Query resolves a single cluster-state lookup a context-aware policy
// issued via the Callback Broker: a namespaced or cluster-scoped get by
// apiVersion/kind/namespace/name.
func (c *Clients) Query(ctx context.Context, apiVersion, kind, namespace, name string) (*unstructured.Unstructured, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return nil, fmt.Errorf("parsing apiVersion %q: %w", apiVersion, err)
	}
	gvr := gv.WithResource(pluralize(kind))

	var resourceClient dynamic.ResourceInterface
	if namespace == "" {
		resourceClient = c.Dynamic.Resource(gvr)
	} else {
		resourceClient = c.Dynamic.Resource(gvr).Namespace(namespace)
	}

	obj, err := resourceClient.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s %q: %w", apiVersion, kind, name, err)
	}
	return obj, nil
}

// pluralize is a minimal, non-exhaustive kind-to-resource mapper: it
// lowercases and appends "s". It is correct for the common case
// (Pod->pods, Namespace->namespaces, Deployment->deployments) and wrong
// for irregular plurals; callers whose policies query those kinds
// should configure the resource name directly via a future extension —
// tracked as an Open Question resolution in DESIGN.md, not silently
// special-cased here.
func pluralize(kind string) string {
	lower := []rune(kind)
	for i, r := range lower {
		if r >= 'A' && r <= 'Z' {
			lower[i] = r + ('a' - 'A')
		}
	}
	return string(lower) + "s"
}

package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
)

func TestQueryNamespacedResource(t *testing.T) {
	scheme := runtime.NewScheme()
	ns := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata":   map[string]any{"name": "web-0", "namespace": "default"},
	}}
	gvr := schema.GroupVersionResource{Version: "v1", Resource: "pods"}
	fakeClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{gvr: "PodList"}, ns)

	clients := &Clients{Dynamic: fakeClient}
	obj, err := clients.Query(context.Background(), "v1", "Pod", "default", "web-0")
	require.NoError(t, err)
	assert.Equal(t, "web-0", obj.GetName())
}

func TestQueryClusterScopedResource(t *testing.T) {
	scheme := runtime.NewScheme()
	ns := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]any{"name": "kube-system"},
	}}
	gvr := schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}
	fakeClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{gvr: "NamespaceList"}, ns)

	clients := &Clients{Dynamic: fakeClient}
	obj, err := clients.Query(context.Background(), "v1", "Namespace", "", "kube-system")
	require.NoError(t, err)
	assert.Equal(t, "kube-system", obj.GetName())
}

func TestQueryRejectsInvalidAPIVersion(t *testing.T) {
	clients := &Clients{Dynamic: dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())}
	_, err := clients.Query(context.Background(), "/////", "Pod", "", "x")
	require.Error(t, err)
}

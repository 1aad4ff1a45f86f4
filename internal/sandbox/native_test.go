package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kubewarden/policy-server/internal/admreview"
	"github.com/kubewarden/policy-server/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenyPrivilegedPods(t *testing.T) {
	req := ValidateRequest{
		PolicyID: "pod-privileged",
		Request: &admreview.Request{
			UID: "abc",
			Raw: json.RawMessage(`{"object":{"spec":{"containers":[{"securityContext":{"privileged":true}}]}}}`),
		},
	}

	verdict, err := DenyPrivilegedPods(context.Background(), req, nil, nil)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Status.Message, "privileged")
}

func TestDenyPrivilegedPodsAllowsUnprivileged(t *testing.T) {
	req := ValidateRequest{
		Request: &admreview.Request{
			Raw: json.RawMessage(`{"object":{"spec":{"containers":[{}]}}}`),
		},
	}

	verdict, err := DenyPrivilegedPods(context.Background(), req, nil, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestInjectLabelProducesPatch(t *testing.T) {
	fn := InjectLabel("owner", "kubewarden")
	verdict, err := fn(context.Background(), ValidateRequest{}, nil, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "JSONPatch", verdict.PatchType)
	assert.Contains(t, string(verdict.Patch), "owner")
}

func TestNativeEvaluatorValidateSettings(t *testing.T) {
	called := false
	eval := NewNative(DenyPrivilegedPods, json.RawMessage(`{}`), func(json.RawMessage) error {
		called = true
		return nil
	}, nil)
	require.NoError(t, eval.ValidateSettings())
	assert.True(t, called)
	require.NoError(t, eval.Close())
}

func TestNamespaceMustExistAllowsClusterScopedRequests(t *testing.T) {
	req := ValidateRequest{
		Request: &admreview.Request{Namespace: ""},
	}
	verdict, err := NamespaceMustExist(context.Background(), req, nil, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestNamespaceMustExistFailsClosedWithoutBroker(t *testing.T) {
	req := ValidateRequest{
		Request: &admreview.Request{Namespace: "default"},
	}
	_, err := NamespaceMustExist(context.Background(), req, nil, nil)
	require.Error(t, err)
}

func TestNamespaceMustExistUsesBrokerClusterQuery(t *testing.T) {
	services := broker.Services{
		ClusterQuery: func(_ context.Context, apiVersion, kind, namespace, name string) (any, error) {
			assert.Equal(t, "v1", apiVersion)
			assert.Equal(t, "Namespace", kind)
			assert.Equal(t, "default", name)
			return map[string]any{"exists": true}, nil
		},
	}
	b := broker.New(services, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := broker.NewClient(b, 2*time.Second)
	req := ValidateRequest{
		Request: &admreview.Request{Namespace: "default"},
	}
	verdict, err := NamespaceMustExist(ctx, req, nil, client)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestBuiltinFactoryBuildsNamespaceMustExist(t *testing.T) {
	eval, err := BuiltinFactory("namespace-must-exist", "", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, eval)
}

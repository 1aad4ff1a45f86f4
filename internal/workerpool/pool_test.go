package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/kubewarden/policy-server/internal/admreview"
	"github.com/kubewarden/policy-server/internal/broker"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowAllFactory(_, _ string, _ json.RawMessage, _ *broker.Client) (sandbox.Evaluator, error) {
	return sandbox.NewNative(func(_ context.Context, _ sandbox.ValidateRequest, _ json.RawMessage, _ *broker.Client) (*admreview.Verdict, error) {
		return &admreview.Verdict{Allowed: true}, nil
	}, nil, nil, nil), nil
}

func TestPoolBootAndDispatch(t *testing.T) {
	policies := config.PolicyList{{ID: "p", URL: "u"}}
	pool := New(2, policies, allowAllFactory, nil, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, pool.Boot(ctx))

	reply := make(chan worker.EvalResult, 1)
	err := pool.Dispatch(ctx, worker.EvalRequest{
		PolicyID: "p",
		Request:  &admreview.Request{UID: "1"},
		Reply:    reply,
	})
	require.NoError(t, err)

	select {
	case result := <-reply:
		require.NoError(t, result.Err)
		assert.True(t, result.Verdict.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for evaluation result")
	}

	pool.Shutdown()
}

func TestPoolBootFailsClosedOnConstructionError(t *testing.T) {
	policies := config.PolicyList{{ID: "broken", URL: "u"}}
	pool := New(1, policies, func(string, string, json.RawMessage, *broker.Client) (sandbox.Evaluator, error) {
		return nil, fmt.Errorf("module failed to load")
	}, nil, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := pool.Boot(ctx)
	require.Error(t, err)
}

func TestPoolBootFailsClosedOnInvalidSettings(t *testing.T) {
	policies := config.PolicyList{{ID: "p", URL: "u"}}
	pool := New(1, policies, func(_, _ string, _ json.RawMessage, _ *broker.Client) (sandbox.Evaluator, error) {
		return sandbox.NewNative(sandbox.DenyPrivilegedPods, nil, func(json.RawMessage) error {
			return fmt.Errorf("settings invalid")
		}, nil), nil
	}, nil, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := pool.Boot(ctx)
	require.Error(t, err)
}

func TestPoolDispatchDistributesAcrossWorkers(t *testing.T) {
	policies := config.PolicyList{{ID: "p", URL: "u"}}
	pool := New(4, policies, allowAllFactory, nil, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Boot(ctx))
	defer pool.Shutdown()

	const n = 20
	replies := make([]chan worker.EvalResult, n)
	for i := 0; i < n; i++ {
		replies[i] = make(chan worker.EvalResult, 1)
		require.NoError(t, pool.Dispatch(ctx, worker.EvalRequest{
			PolicyID: "p",
			Request:  &admreview.Request{UID: fmt.Sprintf("%d", i)},
			Reply:    replies[i],
		}))
	}
	for i := 0; i < n; i++ {
		select {
		case result := <-replies[i]:
			require.NoError(t, result.Err)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d never completed", i)
		}
	}
}

func TestPoolBypassesEvaluationOnAlwaysAcceptNamespace(t *testing.T) {
	policies := config.PolicyList{{ID: "p", URL: "u"}}
	denyAllFactory := func(_, _ string, _ json.RawMessage, _ *broker.Client) (sandbox.Evaluator, error) {
		return sandbox.NewNative(func(_ context.Context, _ sandbox.ValidateRequest, _ json.RawMessage, _ *broker.Client) (*admreview.Verdict, error) {
			return &admreview.Verdict{Allowed: false, Status: &admreview.Status{Message: "denied"}}, nil
		}, nil, nil, nil), nil
	}
	pool := New(1, policies, denyAllFactory, nil, nil, "kube-system")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Boot(ctx))
	defer pool.Shutdown()

	reply := make(chan worker.EvalResult, 1)
	require.NoError(t, pool.Dispatch(ctx, worker.EvalRequest{
		PolicyID: "p",
		Request:  &admreview.Request{UID: "1", Namespace: "kube-system"},
		Reply:    reply,
	}))

	select {
	case result := <-reply:
		require.NoError(t, result.Err)
		assert.True(t, result.Verdict.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for evaluation result")
	}
}

package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientManifestDigestRoundTrip(t *testing.T) {
	b := New(Services{
		ManifestDigest: func(_ context.Context, ref string) (string, error) {
			return "sha256:" + ref, nil
		},
	}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := NewClient(b, time.Second)
	digest, err := client.ManifestDigest(context.Background(), "example.com/policy:v1")
	require.NoError(t, err)
	assert.Equal(t, "sha256:example.com/policy:v1", digest)
}

func TestClientPropagatesServiceError(t *testing.T) {
	b := New(Services{
		ManifestDigest: func(context.Context, string) (string, error) {
			return "", fmt.Errorf("registry unreachable")
		},
	}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := NewClient(b, time.Second)
	_, err := client.ManifestDigest(context.Background(), "ref")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unreachable")
}

func TestClientFailsWhenServiceUnavailable(t *testing.T) {
	b := New(Services{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := NewClient(b, time.Second)
	_, err := client.ManifestDigest(context.Background(), "ref")
	require.Error(t, err)
}

func TestClientTimesOutOnSlowService(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	b := New(Services{
		ManifestDigest: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return "", ctx.Err()
		},
	}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := NewClient(b, 20*time.Millisecond)
	_, err := client.ManifestDigest(context.Background(), "ref")
	require.Error(t, err)
}

func TestClusterQueryRoundTrip(t *testing.T) {
	b := New(Services{
		ClusterQuery: func(_ context.Context, apiVersion, kind, namespace, name string) (any, error) {
			return map[string]string{"apiVersion": apiVersion, "kind": kind, "namespace": namespace, "name": name}, nil
		},
	}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := NewClient(b, time.Second)
	v, err := client.ClusterQuery(context.Background(), "v1", "Namespace", "", "default")
	require.NoError(t, err)
	m, ok := v.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "default", m["name"])
}

func TestBrokerServicesRequestsConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	b := New(Services{
		ManifestDigest: func(ctx context.Context, ref string) (string, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return ref, nil
		},
	}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	client := NewClient(b, time.Second)
	done := make(chan struct{}, 2)
	go func() { client.ManifestDigest(context.Background(), "a"); done <- struct{}{} }()
	go func() { client.ManifestDigest(context.Background(), "b"); done <- struct{}{} }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected both requests to start concurrently")
		}
	}
	close(release)
	for i := 0; i < 2; i++ {
		<-done
	}
}

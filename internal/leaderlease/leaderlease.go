// Package leaderlease wraps client-go's leaderelection machinery for the
// Leader-Elected Maintainer: exactly one replica at a time runs the
// maintenance loop, coordinated via a Lease object rather than the
// controller-runtime manager the teacher's operator binary uses (the
// Maintainer is a one-shot CLI, not a long-lived reconciler). Grounded
// on the LeaseDuration/RenewDeadline/RetryPeriod naming convention of
// kubewarden-kubewarden-controller/pkg/util/duration.go, with the exact
// numbers spec.md §4.7 calls for.
package leaderlease

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

const (
	// LeaseDuration is how long a lease is valid for once acquired.
	LeaseDuration = 30 * time.Second
	// RenewDeadline is how long the holder tries to renew before giving
	// up, one second shy of LeaseDuration so a slow renew still has a
	// chance to land before the lease would otherwise expire.
	RenewDeadline = LeaseDuration - time.Second
	// RetryPeriod is how often non-leaders check whether the lease is up
	// for grabs.
	RetryPeriod = 5 * time.Second
)

// LeaseName derives the Lease object's name from a fixed prefix and the
// Deployment it coordinates, so multiple policy-server Deployments in
// the same namespace never collide over one lease.
func LeaseName(prefix, deploymentName string) string {
	return fmt.Sprintf("%s-%s", prefix, deploymentName)
}

// Options configures Run.
type Options struct {
	Client          kubernetes.Interface
	Namespace       string
	LeaseName       string
	DeploymentOwner *metav1.OwnerReference
	OnStartedLeading func(ctx context.Context)
	OnStoppedLeading func()
}

// Run blocks running the leader-election loop until ctx is canceled or
// this process loses a lease it held, whichever comes first.
// While this process holds the lease, OnStartedLeading runs; when it
// loses or releases the lease (including on ctx cancellation),
// OnStoppedLeading runs.
func Run(ctx context.Context, opts Options) error {
	identity, err := os.Hostname()
	if err != nil || identity == "" {
		identity = uuid.New().String()
	}

	objectMeta := metav1.ObjectMeta{
		Name:      opts.LeaseName,
		Namespace: opts.Namespace,
	}
	if opts.DeploymentOwner != nil {
		objectMeta.OwnerReferences = []metav1.OwnerReference{*opts.DeploymentOwner}
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: objectMeta,
		Client:    opts.Client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: identity,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   LeaseDuration,
		RenewDeadline:   RenewDeadline,
		RetryPeriod:     RetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				if opts.OnStartedLeading != nil {
					opts.OnStartedLeading(ctx)
				}
			},
			OnStoppedLeading: func() {
				if opts.OnStoppedLeading != nil {
					opts.OnStoppedLeading()
				}
			},
		},
	})

	return nil
}

// OwnerReferenceForDeployment builds the OwnerReference a Lease should
// carry so it is garbage-collected along with the Deployment that owns
// it, per spec.md §4.7.
func OwnerReferenceForDeployment(name string, uid string) *metav1.OwnerReference {
	controller := true
	return &metav1.OwnerReference{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Name:       name,
		UID:        types.UID(uid),
		Controller: &controller,
	}
}

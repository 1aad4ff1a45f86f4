// Command policy-server-maintainer runs the Leader-Elected Maintainer:
// exactly one replica of a policy-server Deployment acquires a Lease and,
// each time it becomes leader, runs one maintenance pass that prunes
// stale downloaded modules (or, with --pin-digests, resolves every
// policy's module reference to an exact digest; the resolved references
// are not written back to policies.yml). Grounded on
// crates/policy-optimizer's CLI shape, folded per SPEC_FULL.md §9 into
// one binary rather than the original's separate, unfinished stub.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/kube"
	"github.com/kubewarden/policy-server/internal/leaderlease"
	"github.com/kubewarden/policy-server/internal/maintainer"
	"github.com/kubewarden/policy-server/internal/registry"
)

var rootCmd = &cobra.Command{
	Use:   "policy-server-maintainer",
	Short: "Runs leader-elected housekeeping for a policy-server Deployment's downloaded modules",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("namespace", "", "namespace the policy-server Deployment runs in (required)")
	flags.String("deployment-name", "", "name of the policy-server Deployment this Maintainer coordinates for (required)")
	flags.String("deployment-uid", "", "UID of the policy-server Deployment, used to own-reference the Lease for garbage collection")
	flags.String("policies", config.DefaultPoliciesFile, "path to the policies.yml file")
	flags.String("policies-download-dir", config.DefaultPoliciesDownloadDir, "directory policy modules are downloaded into")
	flags.Bool("pin-digests", false, "resolve every policy URL to an exact digest instead of pruning; policies.yml is not rewritten")
	flags.Bool("run-once", false, "perform one maintenance pass without acquiring a Lease, then exit (for local testing)")
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	namespace, err := cmd.Flags().GetString("namespace")
	if err != nil {
		return err
	}
	deploymentName, err := cmd.Flags().GetString("deployment-name")
	if err != nil {
		return err
	}
	deploymentUID, err := cmd.Flags().GetString("deployment-uid")
	if err != nil {
		return err
	}
	policiesFile, err := cmd.Flags().GetString("policies")
	if err != nil {
		return err
	}
	downloadDir, err := cmd.Flags().GetString("policies-download-dir")
	if err != nil {
		return err
	}
	pinDigests, err := cmd.Flags().GetBool("pin-digests")
	if err != nil {
		return err
	}
	runOnce, err := cmd.Flags().GetBool("run-once")
	if err != nil {
		return err
	}

	if namespace == "" || deploymentName == "" {
		return fmt.Errorf("--namespace and --deployment-name are required")
	}

	data, err := os.ReadFile(policiesFile)
	if err != nil {
		return fmt.Errorf("reading %q: %w", policiesFile, err)
	}
	policies, err := config.ReadPolicies(data)
	if err != nil {
		return err
	}

	m := &maintainer.Maintainer{}
	maintain := func(ctx context.Context) error {
		if pinDigests {
			fetcher := registry.NewFetcher(nil, nil)
			pinned, err := m.PinDigests(ctx, policies, fetcher)
			if err != nil {
				return err
			}
			policies = pinned
			return nil
		}
		return m.PruneStaleModules(downloadDir, policies)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if runOnce {
		return maintain(ctx)
	}

	restCfg, err := kube.InClusterConfig()
	if err != nil {
		return fmt.Errorf("loading in-cluster config: %w", err)
	}
	clients, err := kube.NewClients(restCfg)
	if err != nil {
		return err
	}

	var owner *metav1.OwnerReference
	if deploymentUID != "" {
		owner = leaderlease.OwnerReferenceForDeployment(deploymentName, deploymentUID)
	}

	return leaderlease.Run(ctx, leaderlease.Options{
		Client:          clients.Typed,
		Namespace:       namespace,
		LeaseName:       leaderlease.LeaseName("policy-server-maintainer", deploymentName),
		DeploymentOwner: owner,
		OnStartedLeading: func(ctx context.Context) {
			if err := maintain(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "maintenance pass failed:", err)
			}
		},
	})
}

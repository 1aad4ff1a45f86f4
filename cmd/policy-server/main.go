package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/server"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// rootCmd is the policy-server's entry point. Grounded on
// audit-scanner/cmd/root.go's cobra idiom: flags are read inside RunE via
// cmd.Flags().Get*, not bound to package-level vars, so the command stays
// testable without global state.
var rootCmd = &cobra.Command{
	Use:   "policy-server",
	Short: "Serves Kubernetes admission review requests against Kubewarden policies",
	Long: `policy-server evaluates ValidatingWebhookConfiguration and
MutatingWebhookConfiguration admission requests against a configured set
of policies, fetching and verifying each policy's module before serving
any traffic.`,
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("address", config.DefaultAddress, "bind address")
	flags.Int("port", config.DefaultPort, "bind port")
	flags.Int("workers", 0, "number of worker threads to spawn; defaults to the number of CPUs")
	flags.String("cert-file", "", "path to a TLS certificate, enabling HTTPS")
	flags.String("key-file", "", "path to the TLS certificate's private key")
	flags.String("policies", config.DefaultPoliciesFile, "path to the policies.yml file")
	flags.String("policies-download-dir", config.DefaultPoliciesDownloadDir, "directory policy modules are downloaded into")
	flags.String("sources-path", "", "path to a sources.yml file describing insecure/custom-CA registries")
	flags.String("verification-path", config.DefaultVerificationFile, "path to a verification.yml file")
	flags.String("docker-config-json-path", "", "path to a Docker config.json holding registry credentials")
	flags.Bool("enable-metrics", false, "enable OpenTelemetry metrics")
	flags.Bool("enable-verification", false, "require every policy module to pass signature verification")
	flags.String("log-level", telemetry.LevelInfoString, fmt.Sprintf("log level, one of: %v", telemetry.SupportedLogLevels()))
	flags.String("log-fmt", string(telemetry.FormatText), "log output format, \"text\" or \"json\"")
	flags.Int("policy-timeout", 10, "seconds allowed for a single policy evaluation before it is treated as a runtime error")
	flags.Bool("disable-timeout-protection", false, "evaluate policies with no per-request timeout")
	flags.Bool("ignore-kubernetes-connection-failure", false, "do not fail to boot when the in-cluster client cannot be built")
	flags.String("always-accept-admission-reviews-on-namespace", "", "namespace in which every admission review is accepted without evaluation")
	flags.String("opentelemetry-endpoint", "", "OTLP gRPC endpoint metrics are exported to when --enable-metrics is set; traces are not exported")
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
	flags, err := readFlags(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	handler, err := telemetry.NewHandler(os.Stdout, cfg.LogLevel, telemetry.LogFormat(cfg.LogFormat))
	if err != nil {
		return err
	}
	logger := slog.New(handler)

	return server.Run(withContext(cmd.Context()), cfg, sandbox.BuiltinFactory, logger)
}

func readFlags(cmd *cobra.Command) (config.FlagValues, error) {
	var f config.FlagValues
	var err error

	get := func(name string, dst *string) {
		if err != nil {
			return
		}
		*dst, err = cmd.Flags().GetString(name)
	}
	getInt := func(name string, dst *int) {
		if err != nil {
			return
		}
		*dst, err = cmd.Flags().GetInt(name)
	}
	getBool := func(name string, dst *bool) {
		if err != nil {
			return
		}
		*dst, err = cmd.Flags().GetBool(name)
	}

	get("address", &f.Address)
	getInt("port", &f.Port)
	getInt("workers", &f.Workers)
	get("cert-file", &f.CertFile)
	get("key-file", &f.KeyFile)
	get("policies", &f.PoliciesFile)
	get("policies-download-dir", &f.PoliciesDownloadDir)
	get("sources-path", &f.SourcesPath)
	get("verification-path", &f.VerificationPath)
	get("docker-config-json-path", &f.DockerConfigPath)
	getBool("enable-metrics", &f.EnableMetrics)
	getBool("enable-verification", &f.EnableVerification)
	get("log-level", &f.LogLevel)
	get("log-fmt", &f.LogFormat)
	getInt("policy-timeout", &f.PolicyTimeoutSeconds)
	getBool("disable-timeout-protection", &f.DisableTimeoutProtection)
	getBool("ignore-kubernetes-connection-failure", &f.IgnoreKubernetesConnectionFailure)
	get("always-accept-admission-reviews-on-namespace", &f.AlwaysAcceptAdmissionReviewsOnNamespace)
	get("opentelemetry-endpoint", &f.OpenTelemetryEndpoint)

	return f, err
}

// withContext returns cmd.Context(), or a bare background context when
// that is nil. The context carries no signal handling; server.Run listens
// for SIGINT/SIGTERM itself.
func withContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

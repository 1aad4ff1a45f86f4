// Package server implements the Orchestrator: it sequences every other
// component's startup in the order spec.md §4.6 mandates, and owns the
// process's shutdown path. Grounded on the original's src/main.rs, which
// performs the same fetch/verify/boot-pool/listen sequence synchronously
// before accepting any traffic.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/kubewarden/policy-server/internal/acquirer"
	"github.com/kubewarden/policy-server/internal/broker"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/frontend"
	"github.com/kubewarden/policy-server/internal/kube"
	"github.com/kubewarden/policy-server/internal/registry"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/tlswatch"
	"github.com/kubewarden/policy-server/internal/verify"
	"github.com/kubewarden/policy-server/internal/workerpool"
)

// verifierAdapter adapts verify.Verifier's (ref, cfg) shape to the
// single-argument acquirer.Verifier interface, since every policy in a
// given run shares the same verification.yml-derived Config.
type verifierAdapter struct {
	verifier *verify.Verifier
	cfg      *verify.Config
}

func (v verifierAdapter) Verify(ctx context.Context, ref string) (string, error) {
	return v.verifier.Verify(ctx, ref, v.cfg)
}

// Run sequences the policy-server's boot phases and then blocks serving
// traffic until ctx is canceled:
//  1. build the registry Fetcher/Verifier from sources/docker-config/verification config
//  2. acquire every configured policy's module (verify, fetch, checksum)
//  3. construct a cluster client for the Callback Broker's cluster-query
//     capability, aborting unless --ignore-kubernetes-connection-failure
//  4. start telemetry (tracing + metrics), start the Callback Broker
//  5. construct the sandbox Factory and boot the Worker Pool
//  6. start the HTTP(S) Front-End, gated by readiness until this point
//  7. block until shutdown, then drain in reverse order
func Run(ctx context.Context, cfg *config.Config, sandboxFactory sandbox.Factory, logger *slog.Logger) error {
	fetcher, verifier, err := buildRegistryCollaborators(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setting up registry access: %w", err)
	}

	policies, verificationErrs, err := acquirePolicies(ctx, cfg, fetcher, verifier, logger)
	if err != nil {
		return fmt.Errorf("acquiring policy modules: %w", err)
	}
	if len(verificationErrs) > 0 {
		return fmt.Errorf("%d polic(ies) failed verification: %w", len(verificationErrs), joinVerificationErrors(verificationErrs))
	}

	clusterQuery, err := buildClusterQuery(cfg, logger)
	if err != nil {
		return fmt.Errorf("setting up cluster client: %w", err)
	}

	metricsEndpoint := ""
	if cfg.EnableMetrics {
		metricsEndpoint = cfg.OpenTelemetryEndpoint
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, metricsEndpoint)
	if err != nil {
		return fmt.Errorf("starting metrics: %w", err)
	}
	defer meterProvider.Shutdown(context.Background()) //nolint:errcheck

	if _, err := telemetry.NewTracerProvider("kubewarden-policy-server"); err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}

	callbackBroker := broker.New(buildBrokerServices(fetcher, verifier, cfg, clusterQuery), 64)
	brokerCtx, stopBroker := context.WithCancel(ctx)
	brokerDone := make(chan struct{})
	go func() {
		callbackBroker.Run(brokerCtx)
		close(brokerDone)
	}()
	defer func() {
		stopBroker()
		<-brokerDone
	}()
	brokerClient := broker.NewClient(callbackBroker, cfg.PolicyTimeout)

	pool := workerpool.New(cfg.Workers, policies, sandboxFactory, meterProvider, brokerClient, cfg.AlwaysAcceptAdmissionReviewsOnNamespace)
	if err := pool.Boot(ctx); err != nil {
		return fmt.Errorf("booting worker pool: %w", err)
	}
	defer pool.Shutdown()

	var ready atomicBool
	ready.Store(true)

	var tlsSource *tlswatch.Source
	if cfg.TLSEnabled() {
		tlsSource, err = tlswatch.NewSource(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
	}

	httpServer := frontend.New(pool, logger, frontend.Options{
		Addr:    cfg.Addr(),
		Timeout: cfg.PolicyTimeout,
		Ready:   ready.Load,
		TLS:     tlsSource,
	})
	if cfg.DisableTimeoutProtection {
		httpServer = frontend.New(pool, logger, frontend.Options{
			Addr:  cfg.Addr(),
			Ready: ready.Load,
			TLS:   tlsSource,
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	logger.Info("policy-server ready", "address", cfg.Addr(), "workers", cfg.Workers, "policies", len(policies))

	select {
	case <-ctx.Done():
	case sig := <-waitForSignal():
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PolicyTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildRegistryCollaborators(ctx context.Context, cfg *config.Config) (*registry.Fetcher, *verify.Verifier, error) {
	var sources *registry.Sources
	if cfg.SourcesPath != "" {
		data, err := os.ReadFile(cfg.SourcesPath)
		if err != nil && !cfg.IgnoreKubernetesConnectionFailure {
			return nil, nil, fmt.Errorf("reading sources file %q: %w", cfg.SourcesPath, err)
		}
		if err == nil {
			sources, err = registry.ReadSources(data)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	var keychain *registry.DockerKeychain
	if cfg.DockerConfigPath != "" {
		data, err := os.ReadFile(cfg.DockerConfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading docker config %q: %w", cfg.DockerConfigPath, err)
		}
		keychain, err = registry.LoadDockerKeychain(data)
		if err != nil {
			return nil, nil, err
		}
	}

	var fetcher *registry.Fetcher
	if keychain != nil {
		fetcher = registry.NewFetcher(keychain, sources)
	} else {
		fetcher = registry.NewFetcher(nil, sources)
	}

	var verifier *verify.Verifier
	if cfg.EnableVerification {
		data, err := os.ReadFile(cfg.VerificationPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading verification config %q: %w", cfg.VerificationPath, err)
		}
		if _, err := verify.ReadConfig(data, cfg.EnableVerification); err != nil {
			return nil, nil, err
		}
		verifier = verify.NewVerifier(registry.NewSignatureSource(fetcher), verify.StaticKeyStore{})
	}

	return fetcher, verifier, nil
}

func acquirePolicies(ctx context.Context, cfg *config.Config, fetcher *registry.Fetcher, verifier *verify.Verifier, logger *slog.Logger) (config.PolicyList, []*acquirer.VerificationError, error) {
	a := &acquirer.Acquirer{
		Fetcher:  fetcher,
		Checksum: registry.ChecksumFile,
		DestDir:  cfg.PoliciesDownloadDir,
		Logger:   logger,
	}
	if verifier != nil {
		var verificationCfg verify.Config
		if cfg.VerificationPath != "" {
			data, err := os.ReadFile(cfg.VerificationPath)
			if err != nil {
				return nil, nil, err
			}
			parsed, err := verify.ReadConfig(data, cfg.EnableVerification)
			if err != nil {
				return nil, nil, err
			}
			verificationCfg = *parsed
		}
		a.Verifier = verifierAdapter{verifier: verifier, cfg: &verificationCfg}
	}

	policies, verificationErrs, err := a.Acquire(ctx, cfg.Policies)
	if err != nil {
		return nil, nil, err
	}
	return policies, verificationErrs, nil
}

func buildBrokerServices(fetcher *registry.Fetcher, verifier *verify.Verifier, cfg *config.Config, clusterQuery broker.ClusterQueryFunc) broker.Services {
	services := broker.Services{
		ManifestDigest: fetcher.Digest,
		ClusterQuery:   clusterQuery,
	}
	if verifier != nil {
		// verificationName is not used: every reference is checked against
		// the one config read from --verification-path.
		services.VerifySignature = func(ctx context.Context, ref, verificationName string) (bool, error) {
			data, err := os.ReadFile(cfg.VerificationPath)
			if err != nil {
				return false, fmt.Errorf("reading verification config %q: %w", cfg.VerificationPath, err)
			}
			verificationCfg, err := verify.ReadConfig(data, cfg.EnableVerification)
			if err != nil {
				return false, err
			}
			if _, err := verifier.Verify(ctx, ref, verificationCfg); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return services
}

// buildClusterQuery builds the Callback Broker's cluster-query capability
// off the ambient in-cluster service account. A missing or unusable
// in-cluster config is a soft failure when
// --ignore-kubernetes-connection-failure is set (context-aware policies
// then simply fail their cluster queries at evaluation time), and a hard
// boot-time failure otherwise — spec.md §4.6 phase 3.
func buildClusterQuery(cfg *config.Config, logger *slog.Logger) (broker.ClusterQueryFunc, error) {
	restCfg, err := kube.InClusterConfig()
	if err != nil {
		if cfg.IgnoreKubernetesConnectionFailure {
			logger.Warn("ignoring kubernetes connection failure", "error", err)
			return nil, nil
		}
		return nil, err
	}

	clients, err := kube.NewClients(restCfg)
	if err != nil {
		if cfg.IgnoreKubernetesConnectionFailure {
			logger.Warn("ignoring kubernetes connection failure", "error", err)
			return nil, nil
		}
		return nil, err
	}

	return func(ctx context.Context, apiVersion, kind, namespace, name string) (any, error) {
		return clients.Query(ctx, apiVersion, kind, namespace, name)
	}, nil
}

// joinVerificationErrors folds every policy's verification failure into a
// single error whose message lists each one, rather than surfacing only
// the first — spec.md §4.5 and §8's testable property that the reported
// error names every failing policy.
func joinVerificationErrors(errs []*acquirer.VerificationError) error {
	wrapped := make([]error, len(errs))
	for i, e := range errs {
		wrapped[i] = e
	}
	return errors.Join(wrapped...)
}

func waitForSignal() <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	return sigs
}

// atomicBool is a tiny helper around the readiness flag the Front-End
// polls; the Orchestrator only ever writes it once, when boot finishes.
type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) Store(v bool) { b.v.Store(v) }
func (b *atomicBool) Load() bool   { return b.v.Load() }

// Package workerpool implements the Worker Pool: it boots a fixed number
// of Workers, each with its own sandboxed Evaluator instances, and
// dispatches admission requests to whichever is free. Grounded on
// spec.md §4.2's translation notes (a manager goroutine pinned with
// runtime.LockOSThread standing in for the original's dedicated OS
// thread, a shared unbuffered channel standing in for the original's mpsc
// queue) and on the acquire/release bookkeeping of other_examples' OPA
// WASM pool.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kubewarden/policy-server/internal/broker"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/worker"
)

// bootRequest asks the pool manager to build every Worker's Evaluators
// and report whether boot succeeded. Sent once, at startup, over a
// buffered channel of capacity 1 so the caller never races the manager
// goroutine's startup.
type bootRequest struct {
	reply chan error
}

// Pool owns the dispatch channel every Worker goroutine reads from and
// the manager goroutine that owns construction/teardown of the Workers
// themselves.
type Pool struct {
	dispatch chan worker.EvalRequest
	boot     chan bootRequest
	shutdown chan struct{}
	done     chan struct{}

	liveWorkers int64
	exhausted   atomic.Bool

	factory               sandbox.Factory
	policies              config.PolicyList
	size                  int
	metrics               *telemetry.MeterProvider
	brokerClient          *broker.Client
	alwaysAcceptNamespace string
}

// New builds a Pool sized to size Workers. factory constructs one
// Evaluator per policy per Worker — called size * len(policies) times
// during Boot, exactly as the original builds one sandbox instance per
// worker thread. brokerClient is threaded through to every Evaluator the
// factory builds, so a policy can issue Callback Broker requests during
// evaluation; alwaysAcceptNamespace, when non-empty, bypasses evaluation
// entirely for requests in that namespace (spec.md §6).
func New(size int, policies config.PolicyList, factory sandbox.Factory, metrics *telemetry.MeterProvider, brokerClient *broker.Client, alwaysAcceptNamespace string) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		dispatch:              make(chan worker.EvalRequest),
		boot:                  make(chan bootRequest, 1),
		shutdown:              make(chan struct{}),
		done:                  make(chan struct{}),
		factory:               factory,
		policies:              policies,
		size:                  size,
		metrics:               metrics,
		brokerClient:          brokerClient,
		alwaysAcceptNamespace: alwaysAcceptNamespace,
	}
}

// Boot starts the manager goroutine and blocks until every Worker has
// finished constructing its Evaluators (or one of them failed, in which
// case the whole pool fails closed — spec.md §3's "no request is served
// until every descriptor's settings have been validated").
func (p *Pool) Boot(ctx context.Context) error {
	go p.manage(ctx)

	reply := make(chan error, 1)
	select {
	case p.boot <- bootRequest{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// manage is the pool's single manager goroutine. It is pinned to an OS
// thread via LockOSThread as the closest Go analogue to the original's
// requirement that sandbox construction happen off the async reactor —
// Go's preemptive scheduler means ordinary goroutines already satisfy
// that constraint, so this is a structural nod to the source material
// rather than a correctness requirement.
func (p *Pool) manage(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	select {
	case req := <-p.boot:
		workers, err := p.buildWorkers()
		req.reply <- err
		if err != nil {
			return
		}
		p.run(ctx, workers)
	case <-ctx.Done():
		return
	}
}

func (p *Pool) buildWorkers() ([]*worker.Worker, error) {
	workers := make([]*worker.Worker, 0, p.size)
	for i := 0; i < p.size; i++ {
		evaluators := make(map[string]sandbox.Evaluator, len(p.policies))
		for _, policy := range p.policies {
			eval, err := p.factory(policy.ID, policy.LocalPath, policy.Settings, p.brokerClient)
			if err != nil {
				closeAll(workers)
				return nil, fmt.Errorf("worker %d: constructing evaluator for policy %q: %w", i, policy.ID, err)
			}
			if err := eval.ValidateSettings(); err != nil {
				eval.Close()
				closeAll(workers)
				return nil, fmt.Errorf("worker %d: validating settings for policy %q: %w", i, policy.ID, err)
			}
			evaluators[policy.ID] = eval
		}
		workers = append(workers, worker.New(evaluators, p.metrics, p.alwaysAcceptNamespace))
	}
	atomic.StoreInt64(&p.liveWorkers, int64(len(workers)))
	return workers, nil
}

func closeAll(workers []*worker.Worker) {
	for _, w := range workers {
		w.Close()
	}
}

// run fans the dispatch channel out across size worker goroutines. Go's
// channel runtime already gives "first idle receiver wins" fairness
// across the goroutines below, so no explicit ready-queue bookkeeping
// (as the original's per-worker idle signaling needs) is required —
// documented in DESIGN.md as a simplification the Go scheduler affords.
func (p *Pool) run(ctx context.Context, workers []*worker.Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			p.runWorker(ctx, w)
		}(w)
	}
	wg.Wait()

	for _, w := range workers {
		w.Close()
	}
}

func (p *Pool) runWorker(ctx context.Context, w *worker.Worker) {
	defer p.recoverAndRetire(w)
	for {
		select {
		case req := <-p.dispatch:
			w.Run(ctx, req)
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		}
	}
}

// recoverAndRetire isolates a panic inside policy evaluation to the one
// Worker goroutine it happened in. spec.md §7 treats this as a runtime
// fault, not a process-level error: the pool keeps serving with its
// remaining Workers, and only reports itself exhausted once none are
// left.
func (p *Pool) recoverAndRetire(_ *worker.Worker) {
	if r := recover(); r != nil {
		remaining := atomic.AddInt64(&p.liveWorkers, -1)
		slog.Warn("worker panicked and was retired", "panic", r, "remaining_workers", remaining)
		if remaining <= 0 {
			p.exhausted.Store(true)
		}
	}
}

// Dispatch hands req to whichever Worker goroutine receives first,
// blocking if every Worker is busy until ctx is canceled.
func (p *Pool) Dispatch(ctx context.Context, req worker.EvalRequest) error {
	if p.exhausted.Load() {
		return fmt.Errorf("worker pool exhausted: every worker has crashed")
	}
	select {
	case p.dispatch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exhausted reports whether every Worker has panicked and retired,
// leaving nothing to serve requests. The Front-End's readiness probe
// reports not-ready once this is true, per spec.md §4.1.
func (p *Pool) Exhausted() bool {
	return p.exhausted.Load()
}

// Shutdown signals every Worker goroutine to stop and waits for the
// manager goroutine to finish tearing them down.
func (p *Pool) Shutdown() {
	close(p.shutdown)
	<-p.done
}

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-qmgr"
	"github.com/ehrlich-b/go-qmgr/engine"
	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/logging"
)

type config struct {
	chips     int
	producers int
	duration  time.Duration
	ringExp   int
	requests  int
	maxCmds   int
	syncRatio float64
	faultRate float64
	delay     time.Duration
	coalesce  int
	poll      time.Duration
	silent    bool
	deferred  bool
	ackEvery  int
	logLevel  string
	logFormat string
}

// results is what the producers saw, as opposed to what the manager counted
type results struct {
	submitted atomic.Uint64
	syncOK    atomic.Uint64
	syncFault atomic.Uint64
	timeouts  atomic.Uint64
	callbacks atomic.Uint64
	cbFaults  atomic.Uint64
	rejected  atomic.Uint64
	acked     atomic.Uint64
}

func main() {
	var cfg config
	flag.IntVar(&cfg.chips, "chips", 1, "Number of simulated chips")
	flag.IntVar(&cfg.producers, "producers", 4, "Concurrent submitting goroutines")
	flag.DurationVar(&cfg.duration, "duration", 2*time.Second, "How long to submit for")
	flag.IntVar(&cfg.ringExp, "ring", qmgr.DefaultCmdQueueExp, "log2 of each command ring's slot count")
	flag.IntVar(&cfg.requests, "requests", 64, "Outstanding requests per queue (power of two)")
	flag.IntVar(&cfg.maxCmds, "commands", 4, "Maximum commands per request")
	flag.Float64Var(&cfg.syncRatio, "sync", 0.25, "Fraction of requests submitted synchronously")
	flag.Float64Var(&cfg.faultRate, "faults", 0.01, "Fraction of requests carrying a poisoned command")
	flag.DurationVar(&cfg.delay, "delay", 0, "Simulated execution time per command")
	flag.IntVar(&cfg.coalesce, "coalesce", 8, "Raise a retire interrupt every N commands")
	flag.DurationVar(&cfg.poll, "poll", qmgr.DefaultPollInterval, "Timer reap interval (0 disables)")
	flag.BoolVar(&cfg.silent, "silent", false, "Engines raise no retire interrupts; rely on timer polling")
	flag.BoolVar(&cfg.deferred, "deferred", false, "Run callbacks on the callback worker instead of inline")
	flag.IntVar(&cfg.ackEvery, "ack-every", 16, "Acknowledge finished requests every N submissions per producer")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format (text, json)")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.logLevel)
	logConfig.Format = cfg.logFormat
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg config, logger *logging.Logger) error {
	if cfg.silent && cfg.poll == 0 {
		return errors.New("-silent needs -poll, or nothing would ever be reaped")
	}
	if cfg.maxCmds < 1 || cfg.maxCmds >= 1<<cfg.ringExp {
		return errors.Errorf("-commands %d does not fit a ring of %d slots", cfg.maxCmds, 1<<cfg.ringExp)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go dumpStacksOnSignal(logger)

	mgr := qmgr.New(&qmgr.Options{Context: ctx, Logger: logger})
	defer mgr.Close()

	var engines []*engine.Sim
	var chips []int
	for i := 0; i < cfg.chips; i++ {
		var units [qmgr.NumUnits]qmgr.Engine
		for _, u := range cmdblk.Units {
			sim := engine.NewSim(engine.Config{
				Name:         fmt.Sprintf("chip%d-%s", i, u),
				CommandDelay: cfg.delay,
				Coalesce:     cfg.coalesce,
				SilentRetire: cfg.silent,
			})
			engines = append(engines, sim)
			units[u] = sim
		}

		params := qmgr.DefaultChipParams(units[qmgr.UnitEA], units[qmgr.UnitPK], units[qmgr.UnitRNG])
		for u := range params.CmdQueueExp {
			params.CmdQueueExp[u] = cfg.ringExp
		}
		params.MaxAPIRequests = cfg.requests
		params.PollInterval = cfg.poll
		params.ImmediateDispatch = !cfg.deferred

		info, err := mgr.AttachChip(ctx, params)
		if err != nil {
			return errors.Wrapf(err, "attach chip %d", i)
		}
		chips = append(chips, info.ID)
		logger.Info("chip attached", "chip", info.ID, "name", info.Name, "ring_bytes", info.RingBytes())
	}

	var res results
	runCtx, stop := context.WithTimeout(ctx, cfg.duration)
	defer stop()

	start := time.Now()
	var wg sync.WaitGroup
	for p := 0; p < cfg.producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			produce(runCtx, mgr, chips, cfg, &res, rand.New(rand.NewPCG(uint64(start.UnixNano()), uint64(id))))
		}(p)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Let in-flight requests drain before reporting
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := drain(drainCtx, mgr, chips); err != nil {
		logger.Warn("requests still in flight at shutdown", "error", err)
	}
	for mgr.DequeueAck() {
		res.acked.Add(1)
	}

	report(mgr, engines, &res, elapsed)
	return nil
}

// produce submits random requests round-robin over every queue until ctx ends
func produce(ctx context.Context, mgr *qmgr.Manager, chips []int, cfg config, res *results, rng *rand.Rand) {
	n := 0
	for ctx.Err() == nil {
		chip := chips[rng.IntN(len(chips))]
		unit := cmdblk.Units[rng.IntN(cmdblk.NumUnits)]

		req, err := buildRequest(unit, 1+rng.IntN(cfg.maxCmds), rng.Float64() < cfg.faultRate)
		if err != nil {
			logging.Error("build request", "error", err)
			return
		}
		req.Sync = rng.Float64() < cfg.syncRatio
		req.CopyBack = true
		if !req.Sync {
			req.Callback = func(r *qmgr.Request) {
				res.callbacks.Add(1)
				if r.Err() != nil {
					res.cbFaults.Add(1)
				}
			}
		}

		err = mgr.SubmitWait(ctx, chip, unit, req)
		switch {
		case err == nil:
			res.submitted.Add(1)
			if req.Sync {
				res.syncOK.Add(1)
			}
		case qmgr.IsCode(err, qmgr.ErrCodeHardwareFault):
			res.submitted.Add(1)
			res.syncFault.Add(1)
		case qmgr.IsCode(err, qmgr.ErrCodeTimeout):
			res.submitted.Add(1)
			res.timeouts.Add(1)
		case ctx.Err() != nil:
			return
		default:
			res.rejected.Add(1)
			logging.Warn("submit failed", "chip", chip, "unit", unit.String(), "error", err)
		}

		n++
		if cfg.ackEvery > 0 && n%cfg.ackEvery == 0 {
			for mgr.DequeueAck() {
				res.acked.Add(1)
			}
		}
	}
}

func buildRequest(unit qmgr.Unit, count int, poison bool) (*qmgr.Request, error) {
	b, err := qmgr.NewCommandBuilder(unit, count)
	if err != nil {
		return nil, err
	}
	op := map[qmgr.Unit]uint8{
		qmgr.UnitEA:  cmdblk.OpEAEncrypt,
		qmgr.UnitPK:  cmdblk.OpPKModExp,
		qmgr.UnitRNG: cmdblk.OpRNGFill,
	}[unit]

	bad := -1
	if poison {
		bad = count - 1
	}
	for i := 0; i < count; i++ {
		code := op
		if i == bad {
			code = cmdblk.OpPoison
		}
		if err := b.Add(code, []byte{byte(i), 0x5A, 0xA5, byte(count)}); err != nil {
			return nil, err
		}
	}
	return &qmgr.Request{Commands: b.Commands()}, nil
}

// drain waits until no queue has requests in flight
func drain(ctx context.Context, mgr *qmgr.Manager, chips []int) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		for _, chip := range chips {
			for _, u := range cmdblk.Units {
				pending += mgr.QueuedCount(chip, u)
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d requests pending", pending)
		case <-ticker.C:
		}
	}
}

func report(mgr *qmgr.Manager, engines []*engine.Sim, res *results, elapsed time.Duration) {
	snap := mgr.MetricsSnapshot()
	totals := mgr.TotalStats()

	var executed, faults, irqs uint64
	for _, e := range engines {
		x, f, i := e.Stats()
		executed += x
		faults += f
		irqs += i
	}

	fmt.Printf("Ran for %v\n\n", elapsed.Round(time.Millisecond))

	fmt.Printf("Producers:\n")
	fmt.Printf("  submitted        %d\n", res.submitted.Load())
	fmt.Printf("  sync ok/fault    %d / %d\n", res.syncOK.Load(), res.syncFault.Load())
	fmt.Printf("  sync timeouts    %d\n", res.timeouts.Load())
	fmt.Printf("  callbacks        %d (%d faulted)\n", res.callbacks.Load(), res.cbFaults.Load())
	fmt.Printf("  failed submits   %d\n", res.rejected.Load())
	fmt.Printf("  acknowledged     %d\n", res.acked.Load())

	fmt.Printf("\nQueues:\n")
	fmt.Printf("  completed        %d (%d failed)\n", totals.Completed, totals.FailedRequests)
	fmt.Printf("  commands         %d queued, %d retired\n", totals.CommandsQueued, totals.CommandsRetired)
	fmt.Printf("  rejects          %d queue full, %d request ring full\n", totals.QueueFull, totals.RequestRingFull)
	fmt.Printf("  faults           %d (%d stray, %d slots patched)\n", totals.Faults, totals.StrayFaults, totals.PatchedSlots)
	fmt.Printf("  in flight        %d\n", totals.InFlight)

	fmt.Printf("\nEngines:\n")
	fmt.Printf("  executed         %d\n", executed)
	fmt.Printf("  faults           %d\n", faults)
	fmt.Printf("  retire irqs      %d\n", irqs)

	fmt.Printf("\nMetrics:\n")
	fmt.Printf("  requests/s       %.0f\n", snap.RequestsPerSecond)
	fmt.Printf("  commands/s       %.0f\n", snap.CommandsPerSecond)
	fmt.Printf("  latency avg      %v\n", time.Duration(snap.AvgLatencyNs))
	fmt.Printf("  latency p50/p99  %v / %v\n", time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns))
	fmt.Printf("  queue depth      avg %.1f max %d\n", snap.AvgQueueDepth, snap.MaxQueueDepth)
	fmt.Printf("  reject rate      %.2f%%\n", snap.RejectRate)
	fmt.Printf("  fault rate       %.2f%%\n", snap.FaultRate)
}

// dumpStacksOnSignal writes every goroutine's stack on SIGUSR1, for
// inspecting a stuck queue
func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("qmgr-stacks-%d.txt", time.Now().Unix())
		if f, err := os.Create(filename); err == nil {
			fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
			f.Write(buf[:n])
			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)
			f.Close()
			logger.Info("stack trace written to file", "file", filename)
		}
	}
}

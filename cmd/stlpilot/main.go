package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/stlpilot/internal/bus"
	"github.com/haricheung/stlpilot/internal/experiment"
	"github.com/haricheung/stlpilot/internal/llm"
	"github.com/haricheung/stlpilot/internal/logging"
	"github.com/haricheung/stlpilot/internal/mission"
	"github.com/haricheung/stlpilot/internal/monitor"
	"github.com/haricheung/stlpilot/internal/roles/auditor"
	"github.com/haricheung/stlpilot/internal/roles/checker"
	"github.com/haricheung/stlpilot/internal/roles/memory"
	"github.com/haricheung/stlpilot/internal/roles/translator"
	"github.com/haricheung/stlpilot/internal/scenario"
	"github.com/haricheung/stlpilot/internal/solver"
	"github.com/haricheung/stlpilot/internal/tasklog"
	"github.com/haricheung/stlpilot/internal/ui"
)

const (
	defaultSolverURL     = "http://localhost:8765"
	defaultSolverTimeout = 60 * time.Second
	memoryExamples       = 3
)

type options struct {
	scenario     string
	scenarioFile string
	autoUser     bool
	results      string
	logLevel     string
	stats        bool
	replay       string
	solverDump   bool
	flow         bool
	cfg          mission.Config
}

func parseFlags() options {
	def := mission.DefaultConfig()
	var o options
	flag.StringVar(&o.scenario, "scenario", "reach_avoid", "built-in scenario: "+strings.Join(scenario.Names(), ", "))
	flag.StringVar(&o.scenarioFile, "scenario-file", "", "JSON scenario file (overrides -scenario)")
	flag.BoolVar(&o.autoUser, "auto-user", false, "send the scenario's canned task instead of reading the terminal; stops after one segment")
	flag.StringVar(&o.results, "results", "", "experiment directory (default $STLPILOT_HOME/results)")
	flag.StringVar(&o.logLevel, "loglevel", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&o.stats, "stats", false, "print per-scenario experiment statistics and exit")
	flag.StringVar(&o.replay, "replay", "", "print the indexed trajectory of scenario/id and exit")
	flag.BoolVar(&o.solverDump, "solver-verbose", false, "dump every solver request to stderr")
	flag.BoolVar(&o.flow, "flow", true, "show the inter-role flow and solver spinner")

	flag.BoolVar(&o.cfg.SyntaxCheckerEnabled, "syntax-check", def.SyntaxCheckerEnabled, "repair infeasible specifications with a longer horizon")
	flag.BoolVar(&o.cfg.SpecCheckerEnabled, "spec-check", def.SpecCheckerEnabled, "ask the automated checker to accept each candidate")
	flag.BoolVar(&o.cfg.DynamiclessCheckEnabled, "dynamicless-check", def.DynamiclessCheckEnabled, "check a dynamics-free plan before the full solve")
	flag.BoolVar(&o.cfg.ManualSpecCheck, "manual-spec", def.ManualSpecCheck, "ask the operator to accept the dynamics-free plan")
	flag.BoolVar(&o.cfg.ManualTrajectoryCheck, "manual-trajectory", def.ManualTrajectoryCheck, "ask the operator to accept each trajectory")
	flag.Float64Var(&o.cfg.Dt, "dt", def.Dt, "seconds per step")
	flag.Float64Var(&o.cfg.MaxAcc, "max-acc", def.MaxAcc, "acceleration bound")
	flag.Float64Var(&o.cfg.MaxSpeed, "max-speed", def.MaxSpeed, "velocity bound")
	flag.Float64Var(&o.cfg.Tolerance, "tolerance", def.Tolerance, "region predicate margin")
	flag.Float64Var(&o.cfg.HorizonIncrement, "horizon-increment", def.HorizonIncrement, "seconds added to T on each repair")
	flag.IntVar(&o.cfg.SyntaxCheckLimit, "syntax-limit", def.SyntaxCheckLimit, "maximum specification repairs")
	flag.IntVar(&o.cfg.SpecCheckLimit, "spec-limit", def.SpecCheckLimit, "maximum automated checker calls")
	flag.IntVar(&o.cfg.MaxIterations, "max-iterations", def.MaxIterations, "maximum conversation rounds")
	flag.IntVar(&o.cfg.StopAfterSegments, "stop-after", 0, "end the mission after this many accepted segments (0 = no limit)")
	flag.Parse()

	if o.autoUser && o.cfg.StopAfterSegments == 0 {
		o.cfg.StopAfterSegments = 1
	}
	return o
}

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load(".env")
	o := parseFlags()

	home := stlpilotHome()
	if o.results == "" {
		o.results = filepath.Join(home, "results")
	}

	logger, err := logging.New(filepath.Join(home, "logs"), o.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
		return 2
	}
	defer logger.Close()

	if o.stats {
		if err := printStats(filepath.Join(home, "index.db"), os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
			return 1
		}
		return 0
	}
	if o.replay != "" {
		if err := printReplay(filepath.Join(home, "index.db"), o.replay, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
			return 1
		}
		return 0
	}

	if err := o.cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
		return 2
	}
	sc, err := loadScenario(o.scenario, o.scenarioFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
		return 2
	}

	translatorLLM := llm.NewTier("TRANSLATOR")
	if err := translatorLLM.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
		return 2
	}
	var checkerLLM *llm.Client
	if o.cfg.SpecCheckerEnabled {
		checkerLLM = llm.NewTier("CHECKER")
		if err := checkerLLM.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	missionID := uuid.New().String()

	// Observers outlive the mission context so they can drain after it ends.
	obsCtx, obsCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(obsCtx)

	aud := auditor.New(b.NewTap(), filepath.Join(home, "audit.jsonl"))
	g.Go(func() error { aud.Run(gctx); return nil })

	mem, err := memory.New(b, filepath.Join(home, "memory"))
	if err != nil {
		// Without memory the translator runs with no examples.
		slog.Warn("[MEMORY] disabled", "error", err)
		fmt.Fprintf(os.Stderr, "stlpilot: spec memory unavailable: %v\n", err)
	}
	var examples []string
	if mem != nil {
		if examples, err = mem.Examples(sc.Name, memoryExamples); err != nil {
			slog.Warn("[MEMORY] examples", "error", err)
		}
		g.Go(func() error { mem.Run(gctx); return nil })
	}

	if o.flow {
		disp := ui.New(b.NewTap(), os.Stdout)
		g.Go(func() error { disp.Run(gctx); return nil })
	}

	reg := tasklog.NewRegistry(filepath.Join(home, "tasks"))
	tl := reg.Open(missionID, sc.Name)

	var op *operator
	if !o.autoUser || o.cfg.ManualSpecCheck || o.cfg.ManualTrajectoryCheck {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          userPrompt,
			HistoryFile:     filepath.Join(home, "history"),
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "stlpilot: terminal: %v\n", err)
			obsCancel()
			return 1
		}
		defer rl.Close()
		op = &operator{rl: rl, out: rl.Stdout()}
	}

	var prompter translator.Prompter
	if op != nil {
		prompter = op
	}
	conv := translator.New(translatorLLM, sc.Regions, prompter, os.Stdout, tl, translator.Options{
		AutoUser: o.autoUser,
		Task:     sc.Task,
		Examples: examples,
	})

	solverCfg := solver.DefaultConfig()
	timeout := solverTimeout()
	solverCfg.TimeLimit = timeout
	if o.solverDump {
		solverCfg.Dump = os.Stderr
	}
	adapter := solver.NewAdapter(solver.NewHTTPOracle(envOr("SOLVER_URL", defaultSolverURL), timeout+10*time.Second), solverCfg)

	deps := mission.Deps{
		Conversation: conv,
		Solver:       adapter,
		Bus:          b,
		Log:          tl,
		Out:          os.Stdout,
	}
	if checkerLLM != nil {
		deps.Checker = checker.New(checkerLLM, sc.Regions, os.Stdout, tl)
	}
	if op != nil {
		deps.Confirmer = op
	}

	loop, err := mission.New(o.cfg, sc, missionID, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stlpilot: %v\n", err)
		obsCancel()
		return 2
	}

	res, runErr := loop.Run(ctx)

	obsCancel()
	_ = g.Wait()

	status := missionStatus(res, runErr)
	reg.Close(missionID, status)
	report(os.Stdout, res, status, reg.GetStats(missionID), aud.Anomalies())

	saveExperiment(ctx, o, home, sc, translatorLLM.Model(), res)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "stlpilot: %v\n", runErr)
		return 1
	}
	return 0
}

func stlpilotHome() string {
	if h := os.Getenv("STLPILOT_HOME"); h != "" {
		return h
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".stlpilot"
	}
	return filepath.Join(homeDir, ".cache", "stlpilot")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// solverTimeout reads SOLVER_TIMEOUT as a Go duration or a number of seconds.
func solverTimeout() time.Duration {
	v := os.Getenv("SOLVER_TIMEOUT")
	if v == "" {
		return defaultSolverTimeout
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
		return d
	}
	log.Printf("[MAIN] ignoring SOLVER_TIMEOUT=%q", v)
	return defaultSolverTimeout
}

func loadScenario(name, file string) (*scenario.Scenario, error) {
	if file != "" {
		return scenario.LoadFile(file)
	}
	return scenario.Builtin(name)
}

func missionStatus(res mission.Result, runErr error) string {
	switch {
	case runErr != nil:
		return "error"
	case res.Accomplished == nil:
		return "ended"
	case *res.Accomplished:
		return "accomplished"
	}
	return "failed"
}

func report(w io.Writer, res mission.Result, status string, stats *tasklog.MissionStats, anomalies int) {
	if res.Occupancy.Steps() > 0 {
		fmt.Fprintln(w)
		monitor.Render(w, res.Occupancy)
	}
	fmt.Fprintf(w, "\nMission %s %s: %d segment(s), %d step(s), T=%gs. %s\n",
		res.MissionID, status, len(res.Segments), res.Trajectory.Steps(), res.Horizon, res.Reason)
	if stats != nil {
		for _, r := range stats.Roles {
			fmt.Fprintf(w, "  %-10s %d call(s), %d+%d tokens, %dms\n", r.Role, r.Calls, r.PromptTokens, r.CompletionTokens, r.ElapsedMs)
		}
		fmt.Fprintf(w, "  %-10s %d call(s), %dms\n", "solver", stats.SolveCount, stats.SolveElapsedMs)
	}
	if anomalies > 0 {
		fmt.Fprintf(w, "Auditor flagged %d anomaly(ies); see audit.jsonl.\n", anomalies)
	}
}

func saveExperiment(ctx context.Context, o options, home string, sc *scenario.Scenario, model string, res mission.Result) {
	md, err := experiment.Save(o.results, experiment.Record{
		Scenario: sc.Name,
		Model:    model,
		THorizon: sc.THorizon,
		Config:   o.cfg,
		Result:   res,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stlpilot: save experiment: %v\n", err)
		return
	}
	fmt.Printf("Experiment %d saved under %s\n", md.ID, filepath.Join(o.results, sc.Name))

	ix, err := experiment.OpenIndex(filepath.Join(home, "index.db"))
	if err != nil {
		slog.Warn("[EXPERIMENT] index unavailable", "error", err)
		return
	}
	defer ix.Close()
	// The mission context may already be cancelled by Ctrl-C; indexing should still finish.
	if err := ix.Add(context.WithoutCancel(ctx), md, res.Trajectory); err != nil {
		slog.Warn("[EXPERIMENT] index add", "error", err)
	}
}

func printStats(indexPath string, w io.Writer) error {
	ix, err := experiment.OpenIndex(indexPath)
	if err != nil {
		return err
	}
	defer ix.Close()
	stats, err := ix.Stats(context.Background())
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(w, "No experiments indexed yet.")
		return nil
	}
	fmt.Fprintf(w, "%-16s %5s %12s %6s %9s %9s\n", "scenario", "runs", "accomplished", "failed", "undecided", "mean N")
	for _, s := range stats {
		fmt.Fprintf(w, "%-16s %5d %12d %6d %9d %9.1f\n", s.Scenario, s.Runs, s.Accomplished, s.Failed, s.Undecided, s.MeanSteps)
	}
	return nil
}

// printReplay prints the stored trajectory named by ref ("scenario/id") one
// state per line.
func printReplay(indexPath, ref string, w io.Writer) error {
	i := strings.LastIndex(ref, "/")
	if i <= 0 {
		return fmt.Errorf("replay %q: want scenario/id", ref)
	}
	id, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return fmt.Errorf("replay %q: bad id: %w", ref, err)
	}
	ix, err := experiment.OpenIndex(indexPath)
	if err != nil {
		return err
	}
	defer ix.Close()
	tr, err := ix.Trajectory(context.Background(), ref[:i], id)
	if err != nil {
		return err
	}
	if tr.Infeasible() {
		fmt.Fprintf(w, "%s: no feasible trajectory (%d step(s))\n", ref, tr.Steps())
		return nil
	}
	fmt.Fprintf(w, "%5s %8s %8s %8s %8s %8s %8s\n", "k", "x", "y", "z", "vx", "vy", "vz")
	for k, x := range tr.States {
		fmt.Fprintf(w, "%5d %8.3f %8.3f %8.3f %8.3f %8.3f %8.3f\n", k, x[0], x[1], x[2], x[3], x[4], x[5])
	}
	return nil
}

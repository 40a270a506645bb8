// fathomctl is the operator CLI: submit research runs, follow their progress,
// inspect finished runs, and seed a config file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/workflows"
)

const usage = `fathomctl - iterative deep research runs

Usage:
  fathomctl run [flags] "research query"
  fathomctl inspect <run-id>
  fathomctl config-init [path]

Run flags:
  -max-iterations N        iteration budget (default from config)
  -parallelism N           concurrent subagents per iteration
  -detail-level LEVEL      concise | standard | high
  -max-results-per-query N search hits kept per query
  -max-pages-per-task N    pages fetched per task
  -output FILE             write the report markdown to FILE
  -json-output             print the full run result as JSON
  -follow                  stream run events while waiting
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "inspect":
		err = cmdInspect(os.Args[2:])
	case "config-init":
		err = cmdConfigInit(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fathomctl: %v\n", err)
		os.Exit(1)
	}
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	maxIterations := fs.Int("max-iterations", 0, "iteration budget")
	parallelism := fs.Int("parallelism", 0, "concurrent subagents per iteration")
	detailLevel := fs.String("detail-level", "", "concise | standard | high")
	maxResults := fs.Int("max-results-per-query", 0, "search hits kept per query")
	maxPages := fs.Int("max-pages-per-task", 0, "pages fetched per task")
	output := fs.String("output", "", "write the report markdown to FILE")
	jsonOutput := fs.Bool("json-output", false, "print the full run result as JSON")
	follow := fs.Bool("follow", false, "stream run events while waiting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("run requires a research query")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	request := models.ResearchRequest{
		Query:              query,
		MaxIterations:      pick(*maxIterations, cfg.Orchestration.MaxIterations),
		Parallelism:        pick(*parallelism, cfg.Orchestration.Parallelism),
		MaxResultsPerQuery: pick(*maxResults, cfg.Orchestration.MaxResultsPerQuery),
		MaxPagesPerTask:    pick(*maxPages, cfg.Orchestration.MaxPagesPerTask),
	}
	if *detailLevel != "" {
		request.DetailLevel = models.DetailLevel(*detailLevel)
	} else {
		request.DetailLevel = models.DetailLevel(cfg.Orchestration.DetailLevel)
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer c.Close()

	runID := "fathom-" + uuid.NewString()
	taskQueue := cfg.Temporal.TaskQueue
	if taskQueue == "" {
		taskQueue = workflows.TaskQueue
	}

	ctx := context.Background()
	we, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        runID,
		TaskQueue: taskQueue,
	}, "ResearchWorkflow", request)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	fmt.Fprintf(os.Stderr, "run started: %s\n", runID)

	var stopFollow context.CancelFunc
	if *follow {
		var followCtx context.Context
		followCtx, stopFollow = context.WithCancel(ctx)
		go followRun(followCtx, cfg, runID)
	}

	var result models.ResearchRunResult
	err = we.Get(ctx, &result)
	if stopFollow != nil {
		stopFollow()
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if result.Status != models.StageComplete {
		return fmt.Errorf("run %s finished %s: %s", runID, result.Status, result.Error)
	}
	if *output != "" {
		if err := os.WriteFile(*output, []byte(result.ReportMarkdown), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(os.Stderr, "report written to %s (%d citations)\n", *output, len(result.Citations))
		return nil
	}
	fmt.Println(result.ReportMarkdown)
	return nil
}

// followRun tails the run's mirrored event stream. Requires Redis; without it
// progress is only visible in the final result.
func followRun(ctx context.Context, cfg *config.Config, runID string) {
	if cfg.Redis.URL == "" {
		fmt.Fprintln(os.Stderr, "follow: no redis configured, progress streaming disabled")
		return
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "follow: invalid redis url: %v\n", err)
		return
	}
	mgr := streaming.NewManager(redis.NewClient(opts), zap.NewNop())

	events := make(chan streaming.Event, 64)
	go func() {
		if err := mgr.Tail(ctx, runID, events); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "follow: %v\n", err)
		}
		close(events)
	}()

	for ev := range events {
		line := fmt.Sprintf("[%s] %s", ev.Stage, ev.Type)
		if ev.Iteration > 0 {
			line += fmt.Sprintf(" iter=%d", ev.Iteration)
		}
		if ev.TaskID != "" {
			line += " task=" + ev.TaskID
		}
		if ev.Message != "" {
			line += " " + ev.Message
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

func cmdInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	eventLimit := fs.Int("events", 50, "number of log events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect requires exactly one run id")
	}
	runID := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := db.NewClient(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, zap.NewNop())
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("run:        %s\n", run.RunID)
	fmt.Printf("status:     %s\n", run.Status)
	fmt.Printf("query:      %s\n", run.Query)
	fmt.Printf("iterations: %d\n", run.Iterations)
	fmt.Printf("evidence:   %d\n", run.EvidenceCount)
	fmt.Printf("citations:  %d\n", run.CitationCount)
	fmt.Printf("tokens:     %d\n", run.TokensUsed)
	fmt.Printf("started:    %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("completed:  %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.ErrorMessage != nil && *run.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", *run.ErrorMessage)
	}

	events, err := store.ListEventLogs(ctx, runID, *eventLimit)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\nevents:")
		for _, ev := range events {
			line := fmt.Sprintf("  %4d  %-11s %s", ev.Seq, ev.Stage, ev.Type)
			if ev.Message != "" {
				line += "  " + ev.Message
			}
			fmt.Println(line)
		}
	}
	return nil
}

func cmdConfigInit(args []string) error {
	path := "fathom.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", path)
	return nil
}

func pick(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/daemon"
	"github.com/arbiterhq/arbiter/internal/extract"
	"github.com/arbiterhq/arbiter/internal/graph"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/route"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "route":
		runRoute(os.Args[2:])
	case "graph":
		runGraph(os.Args[2:])
	case "decide":
		runDecide(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("arbiter %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`arbiter - task control plane

Usage:
  arbiter init [dir]                create an .arbiter/ working directory
  arbiter daemon                    run the scheduler daemon in the foreground
  arbiter route --file <task.yaml>  assign a task to an agent and queue it
  arbiter route --title <t> [--description <d>] [--team <team>] [--tag <tag>] [--priority <n>]
  arbiter graph build [--dry-run]   rebuild the dependency graph from task text
  arbiter decide <decision-id> <option> [--notes <text>]
  arbiter scan                      trigger an immediate resolution sweep
  arbiter status                    show task counts per status
  arbiter version`)
}

// findArbiterDir searches for .arbiter/ in the current directory and
// ancestors.
func findArbiterDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".arbiter")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustArbiterDir() string {
	dir := findArbiterDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .arbiter/ directory not found. Run 'arbiter init' first.")
		os.Exit(1)
	}
	return dir
}

func loadConfig(arbiterDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(arbiterDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

// openStore selects the backend from config. A postgres backend without a
// DSN degrades to the file store with a warning instead of failing.
func openStore(ctx context.Context, arbiterDir string, cfg model.Config) (store.TaskStore, error) {
	logger := log.New(os.Stderr, "", 0)
	switch cfg.Store.Backend {
	case "", "file":
		return store.NewFileStore(filepath.Join(arbiterDir, "store"), logger)
	case "postgres":
		if cfg.Store.DSN == "" {
			fmt.Fprintln(os.Stderr, "warning: store.backend is postgres but no DSN configured, using file store")
			return store.NewFileStore(filepath.Join(arbiterDir, "store"), logger)
		}
		return store.NewPGStore(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

const defaultConfig = `project:
  name: my-project

store:
  backend: file

agents:
  - role: coordinator
    team: office
    lead: true

teams:
  - name: office
    lead: coordinator

routing:
  coordinator: coordinator
  max_active_per_agent: 1
  max_queued_per_agent: 10
  rules: []

scheduler:
  tick_interval_sec: 5

resolution:
  dependency_interval_sec: 30
  escalation_interval_sec: 3600
  stale_blocker_hours: 24

retry:
  max_retries: 3
  base_delay_sec: 60

executor:
  command: ""

logging:
  level: info
`

func runInit(args []string) {
	base := "."
	if len(args) > 0 {
		base = args[0]
	}
	arbiterDir := filepath.Join(base, ".arbiter")
	for _, dir := range []string{arbiterDir, filepath.Join(arbiterDir, "store", "tasks"),
		filepath.Join(arbiterDir, "logs"), filepath.Join(arbiterDir, "locks")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fatalf("create %s: %v", dir, err)
		}
	}
	cfgPath := filepath.Join(arbiterDir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(defaultConfig), 0644); err != nil {
			fatalf("write config.yaml: %v", err)
		}
		fmt.Printf("created %s\n", cfgPath)
	} else {
		fmt.Printf("%s already exists, left untouched\n", cfgPath)
	}
	fmt.Printf("initialized %s\n", arbiterDir)
}

func runDaemon(_ []string) {
	arbiterDir := mustArbiterDir()
	cfg, err := loadConfig(arbiterDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	ctx := context.Background()
	st, err := openStore(ctx, arbiterDir, cfg)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	d, err := daemon.New(arbiterDir, cfg, st)
	if err != nil {
		fatalf("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runRoute(args []string) {
	arbiterDir := mustArbiterDir()
	cfg, err := loadConfig(arbiterDir)
	if err != nil {
		fatalf("load config: %v", err)
	}

	task, err := parseRouteArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := openStore(ctx, arbiterDir, cfg)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	logc := logging.NewComponent("route", log.New(os.Stderr, "", 0), logging.ParseLevel(cfg.Logging.Level))
	router := route.NewRouter(cfg, st, nil, logc)
	asn, err := router.Route(ctx, task)
	if err != nil {
		fatalf("route: %v", err)
	}

	fmt.Printf("task %s -> %s", asn.TaskID, asn.Agent)
	switch {
	case asn.Rule != "":
		fmt.Printf(" (rule %s)", asn.Rule)
	case asn.Fallback != "":
		fmt.Printf(" (%s)", asn.Fallback)
	}
	if asn.Reassigned {
		fmt.Print(" [reassigned to team lead]")
	}
	if asn.Overloaded {
		fmt.Print(" [agent at capacity]")
	}
	fmt.Println()

	// Wake the daemon if one is running; routing works without it.
	client := uds.NewClient(filepath.Join(arbiterDir, uds.DefaultSocketName))
	_, _ = client.Call("scan", nil)
}

func parseRouteArgs(args []string) (*model.Task, error) {
	task := &model.Task{}
	var file string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--file requires a path")
			}
			file = args[i]
		case "--title":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--title requires a value")
			}
			task.Title = args[i]
		case "--description":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--description requires a value")
			}
			task.Description = args[i]
		case "--team":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--team requires a value")
			}
			task.Team = args[i]
		case "--tag":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--tag requires a value")
			}
			task.Tags = append(task.Tags, args[i])
		case "--priority":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--priority requires a value")
			}
			p, err := strconv.Atoi(args[i])
			if err != nil {
				return nil, fmt.Errorf("bad priority %q", args[i])
			}
			task.Priority = p
		case "--workflow":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--workflow requires a value")
			}
			task.Workflow = args[i]
		default:
			return nil, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, task); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	if strings.TrimSpace(task.Title) == "" {
		return nil, fmt.Errorf("a task needs a title (--title or --file)")
	}
	return task, nil
}

func runGraph(args []string) {
	if len(args) < 1 || args[0] != "build" {
		fmt.Fprintln(os.Stderr, "usage: arbiter graph build [--dry-run]")
		os.Exit(1)
	}
	dryRun := false
	for _, a := range args[1:] {
		if a == "--dry-run" {
			dryRun = true
		}
	}

	arbiterDir := mustArbiterDir()
	cfg, err := loadConfig(arbiterDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	ctx := context.Background()
	st, err := openStore(ctx, arbiterDir, cfg)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx, store.ListFilter{})
	if err != nil {
		fatalf("list tasks: %v", err)
	}

	builder := graph.NewBuilder(extract.NewExtractor(cfg.Workflows))
	g, unresolved := builder.Build(tasks)
	cycles := g.DetectCycles()

	fmt.Printf("tasks: %d\nedges: %d\nunresolved: %d\ncycles: %d\n",
		len(g.Nodes), len(g.Edges), len(unresolved), len(cycles))
	for _, c := range cycles {
		fmt.Printf("  cycle: %s\n", strings.Join(c, " -> "))
	}
	for _, u := range unresolved {
		fmt.Printf("  unresolved: task=%s %s %q\n", u.TaskID, u.Type, u.Match)
	}

	if dryRun {
		fmt.Println("dry run, nothing persisted")
		return
	}
	if err := st.SaveEdges(ctx, g.Edges, unresolved); err != nil {
		fatalf("save edges: %v", err)
	}
	recordLedger(ctx, st, g.Edges)
	fmt.Println("graph persisted")
}

// recordLedger mirrors new edges into the dependency ledger, skipping
// pairs already recorded.
func recordLedger(ctx context.Context, st store.TaskStore, edges []model.Edge) {
	for _, e := range edges {
		rows, err := st.ListDependencies(ctx, e.To)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: ledger list for %s: %v\n", e.To, err)
			continue
		}
		exists := false
		for _, row := range rows {
			if row.DependsOn == e.From && row.Type == string(e.Type) {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		row := &model.DependencyRow{
			ID:         model.NewRecordID(),
			TaskID:     e.To,
			DependsOn:  e.From,
			Type:       string(e.Type),
			Confidence: e.Confidence,
			CreatedAt:  nowRFC3339(),
		}
		if err := st.AddDependency(ctx, row); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ledger add for %s: %v\n", e.To, err)
		}
	}
}

func runDecide(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: arbiter decide <decision-id> <option> [--notes <text>]")
		os.Exit(1)
	}
	decisionID, option := args[0], args[1]
	notes := ""
	for i := 2; i < len(args); i++ {
		if args[i] == "--notes" && i+1 < len(args) {
			notes = args[i+1]
			i++
		}
	}

	arbiterDir := mustArbiterDir()
	client := uds.NewClient(filepath.Join(arbiterDir, uds.DefaultSocketName))
	resp, err := client.Call("decide", map[string]string{
		"decision_id": decisionID,
		"option":      option,
		"notes":       notes,
	})
	if err != nil {
		fatalf("decide: %v", err)
	}
	var data map[string]string
	_ = json.Unmarshal(resp.Data, &data)
	fmt.Printf("decision %s resolved: %s\n", decisionID, data["option"])
}

func runScan(_ []string) {
	arbiterDir := mustArbiterDir()
	client := uds.NewClient(filepath.Join(arbiterDir, uds.DefaultSocketName))
	if _, err := client.Call("scan", nil); err != nil {
		fatalf("scan: %v", err)
	}
	fmt.Println("scan triggered")
}

func runStatus(_ []string) {
	arbiterDir := mustArbiterDir()

	// Prefer the daemon's view; fall back to reading the store directly.
	client := uds.NewClient(filepath.Join(arbiterDir, uds.DefaultSocketName))
	if resp, err := client.Call("status", nil); err == nil {
		var data struct {
			Agents []string       `json:"agents"`
			Tasks  map[string]int `json:"tasks"`
			Total  int            `json:"total"`
		}
		if err := json.Unmarshal(resp.Data, &data); err == nil {
			fmt.Printf("daemon: running\nagents: %s\ntasks: %d\n", strings.Join(data.Agents, ", "), data.Total)
			printCounts(data.Tasks)
			return
		}
	}

	cfg, err := loadConfig(arbiterDir)
	if err != nil {
		fatalf("load config: %v", err)
	}
	ctx := context.Background()
	st, err := openStore(ctx, arbiterDir, cfg)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx, store.ListFilter{})
	if err != nil {
		fatalf("list tasks: %v", err)
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	fmt.Printf("daemon: not running\ntasks: %d\n", len(tasks))
	printCounts(counts)
}

func printCounts(counts map[string]int) {
	for _, s := range []model.Status{
		model.StatusQueued, model.StatusActive,
		model.StatusBlockedAgent, model.StatusBlockedDecision,
		model.StatusBlockedAuth, model.StatusBlockedPayment,
		model.StatusCompleted, model.StatusFailed,
	} {
		if n := counts[string(s)]; n > 0 {
			fmt.Printf("  %-16s %d\n", s, n)
		}
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

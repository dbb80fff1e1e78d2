package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmasuda/dropherd/internal/checker"
	"github.com/tmasuda/dropherd/internal/daemon"
	"github.com/tmasuda/dropherd/internal/dispatch"
	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/queue"
	"github.com/tmasuda/dropherd/internal/selector"
	"github.com/tmasuda/dropherd/internal/setup"
	"github.com/tmasuda/dropherd/internal/store"
	"github.com/tmasuda/dropherd/internal/worker"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "proxy":
		runProxy(os.Args[2:])
	case "accounts":
		runAccounts(os.Args[2:])
	case "register":
		runRegister(os.Args[2:])
	case "airdrop":
		runAirdrop(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "report":
		runReport(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("dropherd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dropherd setup <project_dir> [--name <project_name>]")
		os.Exit(1)
	}
	projectDir := args[0]
	projectName := ""
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			projectName = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd setup <project_dir> [--name <project_name>]\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	baseDir, cfg := mustLoad()

	d, err := daemon.New(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runProxy(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dropherd proxy <import|list|check|stats> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "import":
		runProxyImport(args[1:])
	case "list":
		runProxyList(args[1:])
	case "check":
		runProxyCheck(args[1:])
	case "stats":
		runProxyStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown proxy subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: dropherd proxy <import|list|check|stats> [options]")
		os.Exit(1)
	}
}

func runProxyImport(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dropherd proxy import <file>")
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read proxy list: %v\n", err)
		os.Exit(1)
	}

	_, _, proxies := mustOpenStores()
	result, err := proxies.Import(strings.Split(string(data), "\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("imported: %d added, %d updated\n", result.Added, result.Updated)
	for _, perr := range result.Errors {
		fmt.Fprintf(os.Stderr, "  skipped %v\n", perr)
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(os.Stderr, "%d entries skipped\n", len(result.Errors))
	}
}

func runProxyList(args []string) {
	usableOnly := false
	for _, a := range args {
		switch a {
		case "--usable":
			usableOnly = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd proxy list [--usable]\n", a)
			os.Exit(1)
		}
	}

	_, _, proxies := mustOpenStores()
	list := proxies.List()
	if usableOnly {
		list = proxies.ListUsable()
	}

	for _, p := range list {
		lastUsed := "never"
		if p.LastUsed != nil {
			lastUsed = *p.LastUsed
		}
		fmt.Printf("%s  %-21s  %-12s  fails=%d  last_used=%s\n", p.ID, p.Address(), p.Status, p.FailCount, lastUsed)
	}
	fmt.Printf("%d proxies\n", len(list))
}

func runProxyCheck(_ []string) {
	baseDir, cfg := mustLoad()
	_, _, proxies := mustOpenStores()

	logger := logging.New(os.Stderr, "checker", logging.ParseLevel(cfg.Logging.Level))
	statePath := filepath.Join(baseDir, "state", "checker.yaml")
	c := checker.New(cfg.Checker, proxies, statePath, logger)

	summary, err := c.Run(signalContext())
	if err != nil {
		fmt.Fprintf(os.Stderr, "check: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("checked %d proxies: %d alive, %d dead\n", summary.Checked, summary.Alive, summary.Dead)
}

func runProxyStats(_ []string) {
	_, _, proxies := mustOpenStores()
	st := proxies.Stats()
	fmt.Printf("total:        %d\n", st.Total)
	fmt.Printf("alive:        %d\n", st.Alive)
	fmt.Printf("untested:     %d\n", st.Untested)
	fmt.Printf("cooling_down: %d\n", st.CoolingDown)
	fmt.Printf("dead:         %d\n", st.Dead)
}

func runAccounts(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dropherd accounts <create|list> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		runAccountsCreate(args[1:])
	case "list":
		runAccountsList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown accounts subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: dropherd accounts <create|list> [options]")
		os.Exit(1)
	}
}

func runAccountsCreate(args []string) {
	count := 1
	assignProxy := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--count":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--count requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid count: %s\n", args[i])
				os.Exit(1)
			}
			count = n
		case "--assign-proxy":
			assignProxy = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd accounts create [--count <n>] [--assign-proxy]\n", args[i])
			os.Exit(1)
		}
	}

	accounts, _, proxies := mustOpenStores()
	created, err := accounts.Create(count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create accounts: %v\n", err)
		os.Exit(1)
	}

	sel := selector.New(proxies)
	for _, c := range created {
		line := fmt.Sprintf("%s  %s  %s", c.Account.ID, c.Account.Email, c.Password)
		if assignProxy {
			p, err := sel.SelectFor(c.Account.ID, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  %s: proxy assignment: %v\n", c.Account.ID, err)
			} else if err := accounts.AssignProxy(c.Account.ID, p.ID); err != nil {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", c.Account.ID, err)
			} else {
				line += "  proxy=" + p.Address()
			}
		}
		fmt.Println(line)
	}
	fmt.Printf("%d accounts created\n", len(created))
}

func runAccountsList(args []string) {
	var platform, status string
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--platform":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--platform requires a value")
				os.Exit(1)
			}
			i++
			platform = args[i]
		case "--status":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--status requires a value")
				os.Exit(1)
			}
			i++
			status = args[i]
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd accounts list [--platform <p>] [--status <s>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	accounts, _, _ := mustOpenStores()
	list := accounts.Query(store.AccountFilter{
		Platform: platform,
		Status:   model.PlatformStatus(status),
	})

	if jsonOutput {
		out, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	for _, a := range list {
		var states []string
		for name, st := range a.Platforms {
			states = append(states, fmt.Sprintf("%s=%s", name, st.Status))
		}
		fmt.Printf("%s  %s  %s\n", a.ID, a.Email, strings.Join(states, " "))
	}
	fmt.Printf("%d accounts\n", len(list))
}

func runRegister(args []string) {
	var platforms []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--platforms":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--platforms requires a value")
				os.Exit(1)
			}
			i++
			platforms = splitList(args[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd register --platforms <p1,p2,...>\n", args[i])
			os.Exit(1)
		}
	}
	if len(platforms) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dropherd register --platforms <p1,p2,...>")
		os.Exit(1)
	}

	d := mustDispatcher()
	summary, err := d.PlanRegistration(signalContext(), platforms, store.AccountFilter{})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
	printSummary(summary)
}

func runAirdrop(args []string) {
	var name, platform string
	var actions []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		case "--platform":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--platform requires a value")
				os.Exit(1)
			}
			i++
			platform = args[i]
		case "--actions":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--actions requires a value")
				os.Exit(1)
			}
			i++
			actions = splitList(args[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd airdrop --name <airdrop> --platform <p> [--actions <a1,a2,...>]\n", args[i])
			os.Exit(1)
		}
	}
	if name == "" || platform == "" {
		fmt.Fprintln(os.Stderr, "usage: dropherd airdrop --name <airdrop> --platform <p> [--actions <a1,a2,...>]")
		os.Exit(1)
	}

	d := mustDispatcher()
	summary, err := d.PlanAirdrop(signalContext(), name, platform, actions, store.AccountFilter{})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "airdrop: %v\n", err)
		os.Exit(1)
	}
	printSummary(summary)
}

func runWorker(_ []string) {
	_, cfg := mustLoad()
	if !cfg.Redis.Enabled {
		fmt.Fprintln(os.Stderr, "error: detached workers need redis.enabled: true; without redis the daemon runs its own worker")
		os.Exit(1)
	}

	transport, err := queue.NewRedisTransport(cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	logger := logging.New(os.Stderr, "worker", logging.ParseLevel(cfg.Logging.Level))
	w := worker.New(transport, transport, logger)

	target := "https://www.google.com"
	if len(cfg.Checker.TestURLs) > 0 {
		target = cfg.Checker.TestURLs[0]
	}
	timeout := time.Duration(cfg.Checker.TimeoutSec) * time.Second
	for _, platform := range cfg.Accounts.Platforms {
		w.Register(platform, worker.NewProbeAutomator(target, timeout))
	}

	if err := w.Run(signalContext()); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func runReport(args []string) {
	var taskID, result, reason string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--task requires a value")
				os.Exit(1)
			}
			i++
			taskID = args[i]
		case "--result":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--result requires a value")
				os.Exit(1)
			}
			i++
			result = args[i]
		case "--reason":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--reason requires a value")
				os.Exit(1)
			}
			i++
			reason = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd report --task <task_id> --result <success|failure> [--reason <r>]\n", args[i])
			os.Exit(1)
		}
	}
	if taskID == "" || (result != "success" && result != "failure") {
		fmt.Fprintln(os.Stderr, "usage: dropherd report --task <task_id> --result <success|failure> [--reason <r>]")
		os.Exit(1)
	}

	d := mustDispatcher()
	if err := d.ReportOutcome(taskID, result == "success", reason); err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("outcome recorded for %s\n", taskID)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dropherd status [--json]\n", a)
			os.Exit(1)
		}
	}

	baseDir, _ := mustLoad()
	accounts, tasks, proxies := mustOpenStores()

	type statusReport struct {
		Proxies  store.ProxyStats `json:"proxies"`
		Accounts int              `json:"accounts"`
		Queued   int              `json:"queued"`
		Running  int              `json:"running"`
		Daemon   string           `json:"daemon"`
	}

	report := statusReport{
		Proxies:  proxies.Stats(),
		Accounts: len(accounts.List()),
		Queued:   tasks.Depth(),
		Running:  len(tasks.ListRunning()),
		Daemon:   "stopped",
	}

	var hb struct {
		Heartbeat string `yaml:"heartbeat"`
	}
	data, err := os.ReadFile(filepath.Join(baseDir, "state", "daemon.yaml"))
	if err == nil && yaml.Unmarshal(data, &hb) == nil && hb.Heartbeat != "" {
		if ts, perr := time.Parse(time.RFC3339, hb.Heartbeat); perr == nil && time.Since(ts) < 2*time.Minute {
			report.Daemon = "running"
		}
	}

	if jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("daemon:   %s\n", report.Daemon)
	fmt.Printf("proxies:  %d total (%d alive, %d untested, %d cooling, %d dead)\n",
		report.Proxies.Total, report.Proxies.Alive, report.Proxies.Untested, report.Proxies.CoolingDown, report.Proxies.Dead)
	fmt.Printf("accounts: %d\n", report.Accounts)
	fmt.Printf("tasks:    %d queued, %d running\n", report.Queued, report.Running)
}

// mustLoad locates the .dropherd directory and loads its config.
func mustLoad() (string, model.Config) {
	baseDir := findDropherdDir()
	if baseDir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'dropherd setup <dir>' first.\n", setup.DirName)
		os.Exit(1)
	}
	cfg, err := loadConfig(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return baseDir, cfg
}

func mustOpenStores() (*store.AccountStore, *queue.Store, *store.ProxyStore) {
	baseDir, cfg := mustLoad()

	proxies, err := store.NewProxyStore(filepath.Join(baseDir, "store", "proxies.yaml"), cfg.Proxy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open proxy store: %v\n", err)
		os.Exit(1)
	}
	accounts, err := store.NewAccountStore(filepath.Join(baseDir, "store", "accounts.yaml"), cfg.Accounts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open account store: %v\n", err)
		os.Exit(1)
	}
	tasks, err := queue.NewStore(filepath.Join(baseDir, "queue", "tasks.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open task queue: %v\n", err)
		os.Exit(1)
	}
	return accounts, tasks, proxies
}

func mustDispatcher() *dispatch.Dispatcher {
	_, cfg := mustLoad()
	accounts, tasks, proxies := mustOpenStores()
	logger := logging.New(os.Stderr, "dispatch", logging.ParseLevel(cfg.Logging.Level))
	return dispatch.NewDispatcher(cfg, accounts, proxies, selector.New(proxies), tasks, logger)
}

func printSummary(summary *dispatch.BatchSummary) {
	fmt.Printf("created: %d, skipped: %d\n", summary.Created, summary.Skipped)
	for _, e := range summary.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", e)
	}
	if len(summary.Errors) > 0 {
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func findDropherdDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
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

func loadConfig(baseDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `dropherd %s — multi-account airdrop orchestration

Usage: dropherd <command> [options]

Project:
  setup <dir> [--name <n>]   Initialize %s/ directory
  daemon                     Run the coordinating daemon
  status [--json]            Show pool, account, and queue status

Proxies:
  proxy import <file>        Import host:port[:user:pass] entries
  proxy list [--usable]      List proxies
  proxy check                Probe every proxy and update health
  proxy stats                Per-status head count

Accounts:
  accounts create [--count <n>] [--assign-proxy]
  accounts list [--platform <p>] [--status <s>] [--json]

Dispatch:
  register --platforms <p1,p2,...>        Plan registration tasks
  airdrop --name <a> --platform <p> [--actions <a1,a2,...>]
  report --task <id> --result <success|failure> [--reason <r>]

Workers:
  worker                     Run a detached worker (requires redis)

  version                    Print version
  help                       Show this help
`, version, setup.DirName)
}

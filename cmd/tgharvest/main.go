package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tgharvest/internal/classify"
	"tgharvest/internal/cmdlog"
	"tgharvest/internal/config"
	"tgharvest/internal/crawl"
	"tgharvest/internal/fetch"
	"tgharvest/internal/logging"
	"tgharvest/internal/metrics"
	"tgharvest/internal/model"
	"tgharvest/internal/session"
	"tgharvest/internal/store"
	"tgharvest/internal/theme"
	"tgharvest/internal/tgram"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	default:
		printHelp()
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: tgharvest <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init      Create a config file at ./tgharvest.yaml")
	fmt.Println("  run       Harvest job postings continuously")
	fmt.Println("  status    Show today's per-account usage and table counts")
}

func fatal(err error) {
	fmt.Println("error:", err)
	os.Exit(1)
}

func cmdInit() {
	out := flag.NewFlagSet("init", flag.ExitOnError)
	path := out.String("path", "./tgharvest.yaml", "path to write config")
	_ = out.Parse(os.Args[2:])
	cfg := config.Default()
	if err := config.Save(*path, cfg); err != nil {
		fatal(err)
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./tgharvest.yaml", "config path")
	days := fs.Int("days", 0, "run length in days (0 = config value)")
	level := fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	logging.Init(*level)
	defer logging.Sync()
	metrics.StartServer(cfg.Metrics.Addr)
	theme.PrintBanner()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := session.NewPool(st, cfg, func(a model.Account) tgram.Client {
		return tgram.NewHTTPClient("", a)
	})
	if pool.Init(ctx, cfg.Accounts) == 0 {
		fatal(fmt.Errorf("no account could be connected"))
	}
	defer pool.CloseAll()

	engine, err := fetch.NewEngine(ctx, st, pool,
		classify.NewKeywordClassifier(),
		classify.NewRegexVerifier(cfg.Filters.MinJobDescriptionLength),
		cfg)
	if err != nil {
		fatal(err)
	}
	sched := crawl.NewScheduler(engine, cfg)

	runDays := *days
	if runDays <= 0 {
		runDays = cfg.Runtime.TotalDays
	}
	if err := cmdlog.Run("run", func() error { return sched.Run(ctx, runDays) }); err != nil {
		os.Exit(1)
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "./tgharvest.yaml", "config path")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	theme.PrintBanner()
	ctx := context.Background()
	today := time.Now()
	fmt.Println("Usage for", today.Format("2006-01-02"))
	for _, a := range cfg.Accounts {
		u, err := st.AccountUsage(ctx, a.Name, today)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("  %-16s groups %d/%d  messages %d\n",
			a.Name, u.GroupsJoined, cfg.RateLimits.MaxGroupsPerDay, u.MessagesFetched)
	}
	fmt.Println("Tables:")
	for _, table := range []string{"messages", "tech_jobs", "non_tech_jobs", "freelance_jobs", "joined_destinations"} {
		n, err := st.CountRows(ctx, table)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("  %-20s %d\n", table, n)
	}
}

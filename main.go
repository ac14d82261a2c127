package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"drift/commands"
	"drift/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

// main is the entry point of the application.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt requests cooperative cancellation; state stays
	// resumable on disk.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Warn("Interrupted, cancelling")
		cancel()
	}()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	initRepository := initCmd.String("repository", "", "Repository URL or directory")
	initWorkspace := initCmd.String("workspace", ".", "Workspace directory")
	registerGlobalFlags(initCmd)

	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	updateGoal := updateCmd.String("goal", "", "Goal revision (default: repository current)")
	updateCheck := updateCmd.Bool("check", false, "Also verify files the plan would skip")
	registerGlobalFlags(updateCmd)

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	registerGlobalFlags(checkCmd)

	repairCmd := flag.NewFlagSet("repair", flag.ExitOnError)
	registerGlobalFlags(repairCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	exit := commands.ExitOK
	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		cfg.Repository.URL = *initRepository
		cfg.Workspace.Path = *initWorkspace
		exit = commands.RunInit(ctx, cfg)
	case "update":
		updateCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		exit = commands.RunUpdate(ctx, cfg, *updateGoal, *updateCheck)
	case "check":
		checkCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		exit = commands.RunCheck(ctx, cfg)
	case "repair":
		repairCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		exit = commands.RunRepair(ctx, cfg)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		exit = commands.RunInfo(ctx, cfg)
	default:
		log.Fatalf("Unknown subcommand: %s", cmd)
	}
	os.Exit(exit)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/visionpick/internal/config"
	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/httputil"
	"github.com/banshee-data/visionpick/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Serve the fixture scene as the camera and emulate the relay board")
	configPath   = flag.String("config", config.DefaultConfigPath, "Path to the JSON config file")
	scenePath    = flag.String("scene", "config/dev-scene.json", "Fixture scene used in dev mode")
	listen       = flag.String("listen", "", "Robot TCP listen address (overrides config)")
	httpListen   = flag.String("http", "", "HTTP listen address (overrides config)")
	healthListen = flag.String("health", "", "gRPC health listen address (overrides config)")
	dbPathFlag   = flag.String("db", "", "Journal database path (overrides config)")
	logLevel     = flag.String("log-level", "", "Log level: ops, diag or trace (overrides config)")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: visionpick [flags] [command]

Commands:
  (none)           run the controller
  migrate <action> manage the journal schema (up, down, status)
  status [url]     print the status of a running controller (default http://localhost:8080)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlagOverrides(cfg)

	switch flag.Arg(0) {
	case "":
	case "migrate":
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	case "status":
		url := localURL(cfg.GetHTTPAddress())
		if flag.NArg() > 1 {
			url = flag.Arg(1)
		}
		client := httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second})
		if err := runStatus(client, url, os.Stdout); err != nil {
			log.Fatalf("status: %v", err)
		}
		return
	default:
		usage()
		os.Exit(2)
	}

	log.Printf("starting %s", version.String())
	a, err := newApp(cfg, appOptions{Dev: *devMode, ScenePath: *scenePath})
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Printf("controller exited: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// applyFlagOverrides copies explicitly set flags over the config file.
func applyFlagOverrides(cfg *config.Config) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.ListenAddress, *listen)
	set(&cfg.HTTPAddress, *httpListen)
	set(&cfg.HealthAddress, *healthListen)
	set(&cfg.DBPath, *dbPathFlag)
	set(&cfg.LogLevel, *logLevel)
}

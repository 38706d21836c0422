// Command signaler is a minimal CLI driving the engine facade against a
// JSON configuration file, suited for CI use: it exits 1 on an operational
// failure (unreachable base URL, fatal orchestration error, failed or
// cancelled run) and 0 otherwise; with -ci set, a completed run that
// violates any configured budget exits 2 instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	engine "github.com/signaler/engine"
	"github.com/signaler/engine/internal/fingerprint"
	"github.com/signaler/engine/models"
)

// fileConfig is the on-disk configuration shape: a minimal, explicit subset
// of engine.Config loadable without a layered config system.
type fileConfig struct {
	BaseURL     string              `json:"baseUrl"`
	BuildID     string              `json:"buildId"`
	Incremental bool                `json:"incremental"`
	OutputDir   string              `json:"outputDir"`
	Pages       []fileConfigPage    `json:"pages"`
	Budgets     *fileConfigBudgets  `json:"budgets"`
	Plugins     *engine.PluginSelection `json:"plugins"`
}

type fileConfigPage struct {
	Path    string   `json:"path"`
	Label   string   `json:"label"`
	Devices []string `json:"devices"`
}

type fileConfigBudgets struct {
	Categories map[string]int     `json:"categories"`
	Metrics    map[string]float64 `json:"metrics"`
}

func main() {
	var (
		configPath  string
		ci          bool
		metricsAddr string
		healthAddr  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to a JSON run configuration file")
	flag.BoolVar(&ci, "ci", false, "fail-on-budget mode: exit 2 if any configured budget is violated")
	flag.StringVar(&metricsAddr, "metrics", "", "expose Prometheus metrics on address (e.g. :9090)")
	flag.StringVar(&healthAddr, "health", "", "expose a health endpoint on address (e.g. :9091)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("signaler CLI")
		return
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "missing -config")
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; cancelling run (grace window applies)")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	if metricsAddr != "" {
		if h := eng.MetricsHandler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() { <-ctx.Done(); _ = srv.Shutdown(context.Background()) }()
			go func() {
				log.Printf("metrics listening on %s", metricsAddr)
				_ = srv.ListenAndServe()
			}()
		}
	}
	if healthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			hs := eng.HealthSnapshot(r.Context())
			_ = json.NewEncoder(w).Encode(hs)
		})
		srv := &http.Server{Addr: healthAddr, Handler: mux}
		go func() { <-ctx.Done(); _ = srv.Shutdown(context.Background()) }()
		go func() {
			log.Printf("health endpoint listening on %s", healthAddr)
			_ = srv.ListenAndServe()
		}()
	}

	summary, runErr := eng.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)

	if runErr != nil {
		log.Printf("run failed: %v", runErr)
		os.Exit(1)
	}
	switch summary.Meta.Status {
	case models.RunStatusFailed:
		os.Exit(1)
	case models.RunStatusCanceled:
		os.Exit(1)
	}

	if ci {
		violations := cfg.EvaluateBudgets(summary)
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, v.String())
		}
		if len(violations) > 0 {
			os.Exit(2)
		}
	}
}

func loadConfig(path string) (engine.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return engine.Config{}, err
	}
	defer func() { _ = f.Close() }()

	var fc fileConfig
	if err := json.NewDecoder(f).Decode(&fc); err != nil {
		return engine.Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg := engine.Defaults()
	cfg.BaseURL = fc.BaseURL
	cfg.BuildID = fc.BuildID
	cfg.Incremental = fc.Incremental
	if fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
	}
	if fc.Plugins != nil {
		cfg.Plugins = *fc.Plugins
	}
	if fc.Budgets != nil {
		cfg.Budgets.Categories = make(map[models.Category]int, len(fc.Budgets.Categories))
		for k, v := range fc.Budgets.Categories {
			cfg.Budgets.Categories[models.NormalizeCategory(k)] = v
		}
		cfg.Budgets.Metrics = fc.Budgets.Metrics
	}
	for _, p := range fc.Pages {
		devices := make([]models.Device, 0, len(p.Devices))
		for _, d := range p.Devices {
			devices = append(devices, models.Device(d))
		}
		if len(devices) == 0 {
			devices = []models.Device{models.DeviceDesktop}
		}
		cfg.Pages = append(cfg.Pages, fingerprint.PageConfig{Path: p.Path, Label: p.Label, Devices: devices})
	}

	cfg.Driver = newHTTPDriver(10 * time.Second)
	return cfg, nil
}

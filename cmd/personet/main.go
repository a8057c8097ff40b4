package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"personet/pkg/config"
	"personet/pkg/profile"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "personet"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".personet", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// engine bundles the offline components CLI commands need without
// starting the background worker or the sweeper.
type engine struct {
	store      *profile.SQLiteStore
	resolver   *profile.IdentityResolver
	aggregator *profile.ProfileAggregator
	exporter   *profile.Exporter
	cfg        *config.Config
}

func openEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := profile.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}

	retention := profile.Retention{
		MaxEntries: cfg.Profile.ImpressionMaxEntries,
		MaxAge:     time.Duration(cfg.Profile.ImpressionMaxAgeDays) * 24 * time.Hour,
	}
	resolver := profile.NewIdentityResolver(store, profile.ResolverOptions{
		Salt:           cfg.Salt(),
		IDStrategy:     cfg.Security.IDStrategy,
		TraitMergeMode: cfg.Profile.TraitMergeMode,
		Retention:      retention,
	})
	aggregator := profile.NewProfileAggregator(store, profile.AggregatorOptions{
		TraitMergeMode: cfg.Profile.TraitMergeMode,
		Retention:      retention,
	})
	exporter := profile.NewExporter(store, nil, profile.ExporterOptions{
		SummaryTopN:    cfg.Export.SummaryTopN,
		ImpressionTail: cfg.Export.ImpressionTail,
	})

	return &engine{
		store:      store,
		resolver:   resolver,
		aggregator: aggregator,
		exporter:   exporter,
		cfg:        cfg,
	}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing store: %v\n", err)
	}
}

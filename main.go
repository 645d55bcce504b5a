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

	"reportbi/config"
	"reportbi/pipeline"
)

func main() {
	var (
		configPath   = flag.String("config", "config.json", "path to the configuration file")
		templateID   = flag.String("template", "", "report template id (required)")
		dataSourceID = flag.String("datasource", "", "data source id (required)")
		cronExpr     = flag.String("cron", "", "cron expression the run was scheduled with")
		granularity  = flag.String("granularity", "", "override reporting granularity: daily, weekly or monthly")
		description  = flag.String("description", "", "business context passed to SQL generation")
		force        = flag.Bool("force", false, "re-analyze every placeholder, ignoring cached SQL")
		outPath      = flag.String("out", "", "write the report here instead of stdout")
	)
	flag.Parse()

	if *templateID == "" || *dataSourceID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	result := app.GenerateReport(ctx, pipeline.RunRequest{
		TemplateID:     *templateID,
		DataSourceID:   *dataSourceID,
		CronExpr:       *cronExpr,
		ExecutionTime:  time.Now(),
		Granularity:    pipeline.Granularity(*granularity),
		Description:    *description,
		ForceReanalyze: *force,
	})
	if !result.Success {
		fmt.Fprintf(os.Stderr, "report generation failed: %s\n", result.Error)
		os.Exit(1)
	}

	if *outPath != "" {
		if err := os.MkdirAll(filepath.Dir(*outPath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "output: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*outPath, []byte(result.Content), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "output: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Println(result.Content)
	}

	stats := app.CacheStats()
	fmt.Fprintf(os.Stderr, "phases: %dms analysis, %dms execution; cache: %d hits, %d misses; artifacts: %d\n",
		result.Phase1Ms, result.Phase2Ms, stats.HitCount, stats.MissCount, len(result.Artifacts))
}

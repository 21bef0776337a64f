package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"partsync/internal/config"
	"partsync/internal/logging"
	"partsync/internal/pipeline"
	"partsync/internal/registry"
	"partsync/internal/retry"
	"partsync/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx := context.Background()
	cmd := os.Args[1]
	switch cmd {
	case "sync":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		feed := fs.String("feed", "", "feed file (csv, xlsx or html)")
		codes := fs.String("codes", "", "offline registry code list (default: read codes live)")
		origin := fs.String("origin", "portal", "supplier tag stamped on feed records")
		collections := fs.String("collections", "stock,pricing,rules", "collections to apply")
		limit := fs.Int("limit", 0, "cap feed records, 0 = all")
		dryRun := fs.Bool("dry-run", false, "plan mutations without issuing them")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*feed) == "" {
			must(fmt.Errorf("--feed is required"))
		}

		svc := pipeline.NewService(db, cfg, connectRegistry(ctx, cfg, log), log)
		summary, err := svc.SyncFeed(ctx, pipeline.SyncRequest{
			FeedPath:    *feed,
			CodesPath:   *codes,
			Origin:      *origin,
			Collections: strings.Split(*collections, ","),
			Limit:       *limit,
			DryRun:      *dryRun,
		})
		must(err)
		printSummary(summary)
	case "probe":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		limit := fs.Int("limit", 0, "cap probed products, 0 = all")
		dryRun := fs.Bool("dry-run", false, "plan mutations without issuing them")
		_ = fs.Parse(os.Args[2:])

		requirePortal(cfg)
		must(cfg.Require("SYNC_SUPPLIER", cfg.SyncSupplier))
		svc := pipeline.NewService(db, cfg, connectRegistry(ctx, cfg, log), log)
		summary, err := svc.Probe(ctx, pipeline.ProbeRequest{Limit: *limit, DryRun: *dryRun})
		must(err)
		printSummary(summary)
	case "crawl":
		requirePortal(cfg)
		svc := pipeline.NewService(nil, cfg, nil, log)
		path, err := svc.Crawl(ctx)
		must(err)
		fmt.Printf("catalog feed written to %s\n", path)
	case "match":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		feed := fs.String("feed", "", "feed file (csv, xlsx or html)")
		codes := fs.String("codes", "", "offline registry code list (default: read codes live)")
		origin := fs.String("origin", "portal", "supplier tag stamped on feed records")
		limit := fs.Int("limit", 0, "cap feed records, 0 = all")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*feed) == "" {
			must(fmt.Errorf("--feed is required"))
		}

		var exec registry.Executor
		if strings.TrimSpace(*codes) == "" {
			exec = connectRegistry(ctx, cfg, log)
		}
		svc := pipeline.NewService(nil, cfg, exec, log)
		match, auditPath, err := svc.MatchReport(ctx, pipeline.MatchRequest{
			FeedPath:  *feed,
			CodesPath: *codes,
			Origin:    *origin,
			Limit:     *limit,
		})
		must(err)
		fmt.Printf("matched=%d unmatched=%d collisions=%d\n",
			len(match.Pairs), len(match.Unmatched), len(match.Collisions))
		fmt.Printf("match workbook: %s\n", auditPath)
	case "runs":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		limit := fs.Int("limit", 10, "how many runs to list")
		_ = fs.Parse(os.Args[2:])

		runs, err := db.ListRuns(*limit)
		must(err)
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return
		}
		for _, run := range runs {
			mark := ""
			if run.DryRun {
				mark = " (dry-run)"
			}
			fmt.Printf("%s  %s %-5s origin=%s items=%d matched=%d unmatched=%d collisions=%d took=%s%s\n",
				run.StartedAt.Format(time.RFC3339), shortID(run.ID), run.Command, run.Origin,
				run.FeedItems, run.Matched, run.Unmatched, run.Collisions,
				run.Duration.Round(time.Millisecond), mark)
			cols, err := db.CollectionsForRun(run.ID)
			must(err)
			for _, c := range cols {
				if c.Updated+c.Created+c.Unchanged+c.SkippedKit+c.SkippedNonStorable+c.Errors == 0 {
					continue
				}
				fmt.Printf("            %-8s updated=%d created=%d unchanged=%d skipped_kit=%d skipped_non_storable=%d errors=%d\n",
					c.Collection, c.Updated, c.Created, c.Unchanged, c.SkippedKit, c.SkippedNonStorable, c.Errors)
			}
		}
	default:
		usage()
		os.Exit(1)
	}
}

// connectRegistry builds the XML-RPC client and opens its session. Every
// live read and mutation of one command goes through this single client.
func connectRegistry(ctx context.Context, cfg config.Config, log *zap.Logger) *registry.Client {
	for _, req := range []struct{ name, value string }{
		{"REGISTRY_URL", cfg.RegistryURL},
		{"REGISTRY_DB", cfg.RegistryDB},
		{"REGISTRY_USER", cfg.RegistryUser},
		{"REGISTRY_PASSWORD", cfg.RegistryPassword},
	} {
		must(cfg.Require(req.name, req.value))
	}

	client, err := registry.NewClient(registry.ClientOptions{
		URL:      cfg.RegistryURL,
		DB:       cfg.RegistryDB,
		User:     cfg.RegistryUser,
		Password: cfg.RegistryPassword,
		Timeout:  time.Duration(cfg.RegistryTimeoutMs) * time.Millisecond,
		Retry: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		},
	}, log)
	must(err)
	must(client.Login(ctx))
	return client
}

func requirePortal(cfg config.Config) {
	for _, req := range []struct{ name, value string }{
		{"PORTAL_BASE_URL", cfg.PortalBaseURL},
		{"PORTAL_USER", cfg.PortalUser},
		{"PORTAL_PASSWORD", cfg.PortalPassword},
	} {
		must(cfg.Require(req.name, req.value))
	}
}

func printSummary(summary *pipeline.RunSummary) {
	run := summary.Run
	mode := ""
	if run.DryRun {
		mode = " (dry-run)"
	}
	fmt.Printf("%s run %s finished in %s%s\n",
		run.Command, shortID(run.ID), run.Duration.Round(time.Millisecond), mode)
	fmt.Printf("items=%d matched=%d unmatched=%d collisions=%d\n",
		run.FeedItems, run.Matched, run.Unmatched, run.Collisions)

	printCollection("stock", summary.Outcome.Stock)
	printCollection("pricing", summary.Outcome.Pricing)
	printCollection("rules", summary.Outcome.Rules)

	if summary.AuditPath != "" {
		fmt.Printf("audit workbook: %s\n", summary.AuditPath)
	}
	for _, report := range summary.Reports {
		fmt.Printf("report: %s\n", report)
	}
}

// maxShownErrors caps per-collection error lines on stdout; the full list is
// in the run store and the log.
const maxShownErrors = 10

func printCollection(name string, oc registry.CollectionOutcome) {
	total := len(oc.Updated) + len(oc.Created) + len(oc.Unchanged) +
		len(oc.SkippedKit) + len(oc.SkippedNonStorable) + len(oc.Errors)
	if total == 0 {
		return
	}
	fmt.Printf("%-8s updated=%d created=%d unchanged=%d skipped_kit=%d skipped_non_storable=%d errors=%d\n",
		name, len(oc.Updated), len(oc.Created), len(oc.Unchanged),
		len(oc.SkippedKit), len(oc.SkippedNonStorable), len(oc.Errors))
	for i, e := range oc.Errors {
		if i == maxShownErrors {
			fmt.Printf("  ... %d more errors\n", len(oc.Errors)-maxShownErrors)
			break
		}
		fmt.Printf("  error %s: %s\n", e.Code, e.Reason)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func usage() {
	fmt.Println("usage: partsync <command>")
	fmt.Println("commands:")
	fmt.Println("  sync   --feed=lista.csv [--codes=codes.txt] [--origin=pr] [--collections=stock,pricing,rules] [--limit=0] [--dry-run]")
	fmt.Println("  probe  [--limit=0] [--dry-run]")
	fmt.Println("  crawl")
	fmt.Println("  match  --feed=lista.csv [--codes=codes.txt] [--origin=pr] [--limit=0]")
	fmt.Println("  runs   [--limit=10]")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/beansnews/beansd/internal/config"
	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/pipeline"
	"github.com/beansnews/beansd/internal/retry"
	"github.com/beansnews/beansd/internal/scheduler"
	"github.com/beansnews/beansd/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "beansd",
	Short:   "Coffee news aggregation pipeline",
	Long:    "beansd scrapes coffee news sources, enriches articles with AI metadata, and publishes them to the BEANS News Shopify store.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(enrichOneCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(sourcesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("beansd", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/beansd/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure sources, the Shopify store, and the AI provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and pipeline status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Status", "Articles"})
		for _, status := range database.AllStatuses() {
			t.AppendRow(table.Row{string(status), stats.ByStatus[status]})
		}
		t.AppendFooter(table.Row{"total", stats.TotalArticles})
		t.Render()

		fmt.Printf("\nSources: %d\n", stats.Sources)
		return nil
	},
}

// --- scrape command ---

var scrapeCmd = &cobra.Command{
	Use:   "scrape [source]",
	Short: "Scrape and ingest articles, from one source or all enabled sources",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		var sources []database.Source
		if len(args) == 1 {
			src, err := db.GetSource(args[0])
			if err != nil {
				return err
			}
			if src == nil {
				return fmt.Errorf("source %s not found", args[0])
			}
			sources = []database.Source{*src}
		} else {
			sources, err = db.EnabledSources()
			if err != nil {
				return err
			}
		}

		for _, src := range sources {
			result, err := pipe.IngestSource(ctx, src.Name)
			if err != nil {
				fmt.Printf("%s: error: %v\n", src.Name, err)
				continue
			}
			fmt.Printf("%s: %d new, %d refreshed\n", src.Name, result.New, result.Updated)
		}
		return nil
	},
}

// --- enrich / publish commands ---

var enrichSource string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run AI enrichment over scraped articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := pipe.Enrich(cmd.Context(), optional(enrichSource))
		if err != nil {
			return err
		}
		fmt.Printf("Enriched %d articles (%d degraded)\n", result.Processed, result.Degraded)
		return nil
	},
}

var publishSource string

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish enriched articles to Shopify",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := pipe.Publish(cmd.Context(), optional(publishSource))
		if err != nil {
			return err
		}
		fmt.Printf("Published %d articles, %d conflicts, %d failed\n", result.Published, result.Conflicts, result.Failed)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVarP(&enrichSource, "source", "s", "", "Only enrich articles from this source")
	publishCmd.Flags().StringVarP(&publishSource, "source", "s", "", "Only publish articles from this source")
}

// --- single-article commands ---

var pushCmd = &cobra.Command{
	Use:   "push [uuid]",
	Short: "Force-publish a single article to Shopify",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		ref, err := pipe.PublishOne(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pushed %s as %s (%s)\n", args[0], ref.Handle, ref.ID)
		return nil
	},
}

var enrichOneCmd = &cobra.Command{
	Use:   "enrich-one [uuid]",
	Short: "Run AI enrichment for a single scraped article",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := pipe.EnrichOne(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Enriched %s\n", args[0])
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [uuid]",
	Short: "Reject an article, removing it from the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		a, err := db.GetArticleByUUID(args[0])
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("article %s not found", args[0])
		}

		rejected, err := db.RejectArticle(args[0])
		if err != nil {
			return err
		}
		if !rejected {
			fmt.Printf("%s was already rejected\n", args[0])
			return nil
		}
		fmt.Printf("Rejected %q\n", a.Title)
		return nil
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline once: scrape -> enrich -> publish",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := pipe.RunAll(cmd.Context())
		if err != nil {
			return err
		}

		for _, result := range results {
			fmt.Printf("\n%s:\n", result.Source)
			for i, step := range result.Steps {
				fmt.Printf("  Step %d/3: %s\n", i+1, step.Name)
				if step.Err != nil {
					fmt.Printf("    Error: %v\n", step.Err)
				} else {
					fmt.Printf("    %s\n", step.Summary)
				}
			}
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the operator web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := cfg.GetDataDir()
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		// One daemon per data dir; a second instance would race the
		// scheduler's article mutations.
		lock := flock.New(filepath.Join(dataDir, "beansd.lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another beansd instance is already running for %s", dataDir)
		}
		defer lock.Unlock()

		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := scheduler.New(db, pipe, cfg.DefaultSourceInterval(), cfg.PublishInterval())
		go func() {
			if err := sched.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("scheduler stopped: %v", err)
			}
		}()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")

		errc := make(chan error, 1)
		go func() { errc <- server.Serve(db, pipe, port) }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

// --- articles command ---

var (
	listStatus string
	listSource string
	listSearch string
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		filter := database.ListFilter{Source: listSource, Search: listSearch}
		if listStatus != "" {
			status, ok := database.ParseStatus(listStatus)
			if !ok {
				return fmt.Errorf("unknown status %q", listStatus)
			}
			filter.Statuses = []database.Status{status}
		}

		articles, err := db.ListArticles(filter)
		if err != nil {
			return err
		}
		if len(articles) == 0 {
			fmt.Println("No articles match.")
			return nil
		}

		t := newTable()
		t.AppendHeader(table.Row{"UUID", "Status", "Source", "Published", "Title"})
		for _, a := range articles {
			published := ""
			if a.PublishedAt != nil {
				published = a.PublishedAt.Format("2006-01-02")
			}
			t.AppendRow(table.Row{shortUUID(a.UUID), string(a.ModerationStatus), a.Source, published, clip(a.Title, 60)})
		}
		t.Render()
		return nil
	},
}

func init() {
	articlesCmd.Flags().StringVar(&listStatus, "status", "", "Filter by moderation status")
	articlesCmd.Flags().StringVar(&listSource, "source", "", "Filter by source")
	articlesCmd.Flags().StringVar(&listSearch, "search", "", "Free-text search in titles and descriptions")
}

// --- sources command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		sources, err := db.ListSources()
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Name", "Adapter", "Schedule", "Enabled", "Feed"})
		for _, src := range sources {
			schedule := src.Schedule
			if schedule == "" {
				schedule = cfg.Scheduler.DefaultInterval
			}
			t.AppendRow(table.Row{src.Name, src.Adapter, schedule, src.Enabled, src.FeedURL})
		}
		t.Render()

		fmt.Printf("\nRegistered adapters: %v\n", pipe.Registry().Names())
		return nil
	},
}

// --- helpers ---

// openDB opens the database with a short bounded retry, covering slow first
// boots where the data dir lives on network storage.
func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "beansd.db")

	var db *database.DB
	policy := retry.Policy{MaxAttempts: 3, Delay: time.Second}
	err := policy.Do(func() error {
		var err error
		db, err = database.Open(dbPath)
		return err
	})
	return db, err
}

// openPipeline opens the database and builds the pipeline, seeding configured
// sources and failing fast if any source names an unregistered adapter.
func openPipeline() (*database.DB, *pipeline.Pipeline, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}

	pipe := pipeline.New(cfg, db)
	if err := pipe.EnsureSources(); err != nil {
		db.Close()
		return nil, nil, err
	}

	sources, err := db.EnabledSources()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := pipe.Registry().Validate(sources); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, pipe, nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func shortUUID(u string) string {
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/exporter"
	"github.com/atomicdeploy/airexport/pkg/server"
	"github.com/atomicdeploy/airexport/pkg/syncer"
)

func exportCommand() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "🔄 Export the selected table (or every table) to JSON or CSV",
		Long: `🔄 Export records to files named after their table.

JSON output is an object keyed by record ID; CSV output has an "id" column
followed by the fields in table order. Only the first page of each table is
exported.`,
		Args: cobra.NoArgs,
		Run:  runExport,
	}
	exportCmd.Flags().StringP("format", "f", "json", "Output format (json or csv)")
	exportCmd.Flags().StringP("output", "o", ".", "Output directory for exported files")
	exportCmd.Flags().Bool("all", false, "Export every table of the base")
	exportCmd.Flags().Int("concurrency", 4, "Tables exported at once with --all")
	exportCmd.Flags().Bool("trim", false, "Trim surrounding whitespace from text values")
	return exportCmd
}

func serveCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "🌐 Start REST API and WebSocket server",
		Args:  cobra.NoArgs,
		Run:   runServe,
	}
	serveCmd.Flags().StringP("addr", "a", "", "Server address (default from config, :8080)")
	serveCmd.Flags().String("sync", "", "Sync file to mirror into the selected table while serving")
	serveCmd.Flags().StringP("debounce", "d", "500ms", "Debounce duration for the sync file (e.g., 0s, 500ms, 1s)")
	return serveCmd
}

func watchCommand() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch [sync-file]",
		Short: "👀 Mirror a local JSON file into the selected table",
		Long: `👀 Watch a JSON file holding [{"id": "...", "fields": {...}}, ...].

Entries without an id are created (and their new id written back), changed
entries are updated, and removed entries are deleted from the table.`,
		Args: cobra.ExactArgs(1),
		Run:  runWatch,
	}
	watchCmd.Flags().StringP("debounce", "d", "500ms", "Debounce duration (e.g., 0s, 500ms, 1s, 5s)")
	return watchCmd
}

func runExport(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	formatStr, _ := cmd.Flags().GetString("format")
	outputDir, _ := cmd.Flags().GetString("output")
	all, _ := cmd.Flags().GetBool("all")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	trim, _ := cmd.Flags().GetBool("trim")

	format, err := exporter.ParseFormat(formatStr)
	if err != nil {
		fail("Invalid format", err)
	}

	var converter func(string) string
	if trim {
		converter = strings.TrimSpace
	}
	exp := exporter.NewExporter(converter)

	var results []exporter.Result
	if all {
		c := newClient()
		tables, err := c.ListTables(ctx)
		if err != nil {
			fail("Failed to list tables", err)
		}
		infoColor.Printf("📦 Exporting %d tables from %s\n", len(tables), c.BaseID())

		results, err = exp.ExportAll(ctx, c, tables, format, outputDir, concurrency)
		if err != nil {
			fail("Failed to export", err)
		}
	} else {
		c := selectedClient(ctx)
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			fail("Failed to create output directory", err)
		}

		res, err := exp.ExportTable(ctx, c.Table(c.SelectedTable()), format, outputDir)
		if err != nil {
			fail("Failed to export", err)
		}
		results = append(results, res)
	}

	for _, res := range results {
		successColor.Printf("✅ %s: %d records exported to %s\n", res.Table, res.Records, res.Path)
		if res.HasMore {
			warningColor.Printf("⚠️  %s holds more records than the first page\n", res.Table)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	addr, _ := cmd.Flags().GetString("addr")
	syncFile, _ := cmd.Flags().GetString("sync")
	debounceStr, _ := cmd.Flags().GetString("debounce")

	if addr == "" {
		addr = cfg.Server.Addr
	}

	c := newClient()
	srv := server.NewServer(c, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	// Mirror the sync file and broadcast what it changes
	if syncFile != "" {
		debounceDuration := parseDebounceDuration(debounceStr)
		selectConfigured(ctx, c)

		s := syncer.New(c.Table(c.SelectedTable()), syncFile, syncer.Options{
			Logger: logger,
			OnApply: func(res syncer.Result) {
				srv.Broadcast(server.ChangeSet{
					Table:    res.Table,
					Source:   "sync",
					Added:    res.Created,
					Modified: res.Updated,
					Deleted:  res.Deleted,
				})
			},
		})
		go func() {
			if err := s.Watch(ctx, debounceDuration); err != nil {
				logger.Error("Sync stopped", zap.Error(err))
			}
		}()
		infoColor.Printf("👀 Syncing %s into %s\n", filepath.Base(syncFile), c.SelectedTable())
	}

	successColor.Printf("🌐 Server running at http://localhost%s\n", addr)
	infoColor.Println("📝 Press Ctrl+C to stop the server")

	if err := srv.Start(ctx, addr); err != nil {
		fail("Server error", err)
	}
	infoColor.Println("👋 Server stopped")
}

func runWatch(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	syncFile := args[0]
	debounceStr, _ := cmd.Flags().GetString("debounce")
	debounceDuration := parseDebounceDuration(debounceStr)

	c := selectedClient(ctx)
	s := syncer.New(c.Table(c.SelectedTable()), syncFile, syncer.Options{
		Logger: logger,
		OnApply: func(res syncer.Result) {
			successColor.Printf("✅ %s: %d created, %d updated, %d deleted\n",
				res.Table, len(res.Created), len(res.Updated), len(res.Deleted))
			for _, err := range res.Errors {
				errorColor.Printf("❌ %v\n", err)
			}
		},
	})

	infoColor.Printf("👀 Watching file: %s\n", syncFile)
	infoColor.Println("📝 Press Ctrl+C to stop watching")

	if err := s.Watch(ctx, debounceDuration); err != nil {
		fail("Failed to watch file", err)
	}
}

// parseDebounceDuration parses and validates a debounce duration string
func parseDebounceDuration(durationStr string) time.Duration {
	duration, err := time.ParseDuration(durationStr)
	if err != nil || duration < 0 {
		errorColor.Printf("❌ Invalid debounce duration '%s'\n", durationStr)
		errorColor.Println("💡 Valid examples: 0s, 500ms, 1s, 5s, 1m")
		os.Exit(1)
	}
	return duration
}

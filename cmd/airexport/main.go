package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/airtable"
	"github.com/atomicdeploy/airexport/pkg/config"
	"github.com/atomicdeploy/airexport/pkg/logging"
)

var (
	// Version information
	Version   = "1.0.0"
	BuildDate = "unknown"

	// Global flags
	configFile string
	envFile    string
	apiKey     string
	baseID     string
	tableName  string
	apiURL     string
	verbose    bool

	cfg    *config.Config
	logger = zap.NewNop()

	// Color definitions
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warningColor = color.New(color.FgYellow)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "airexport",
		Short: "📊 Command-line client and proxy for an Airtable base",
		Long: `
╔═══════════════════════════════════════════════════════════╗
║             🎯 airexport - Airtable Base Client           ║
║    List, edit, filter and export the records of a base    ║
║       Serve them over REST and sync them from a file      ║
╚═══════════════════════════════════════════════════════════╝

Credentials come from flags, the environment (AIRTABLE_API_KEY,
AIRTABLE_BASE_ID, AIRTABLE_TABLE), airexport.yaml or a .env file.
`,
		Version:           fmt.Sprintf("%s (built: %s)", Version, BuildDate),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (default: ./airexport.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to dotenv file")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (overrides AIRTABLE_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&baseID, "base", "b", "", "Base ID (overrides AIRTABLE_BASE_ID)")
	rootCmd.PersistentFlags().StringVarP(&tableName, "table", "t", "", "Table to work on (overrides AIRTABLE_TABLE)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API root URL (overrides AIRTABLE_API_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(schemaCommands()...)
	rootCmd.AddCommand(recordCommands()...)
	rootCmd.AddCommand(exportCommand(), serveCommand(), watchCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		errorColor.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setup loads the configuration layers and builds the logger
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(config.Options{File: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	loaded.Apply(config.Overrides{
		APIKey: apiKey,
		BaseID: baseID,
		Table:  tableName,
		APIURL: apiURL,
	})
	cfg = loaded

	l, err := logging.New(cfg.Logging.Level, verbose)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// newClient builds the table client from the loaded configuration
func newClient() *airtable.Client {
	clientCfg, err := cfg.ClientConfig(logger)
	if err != nil {
		fail("Invalid configuration", err)
	}

	c, err := airtable.New(clientCfg)
	if err != nil {
		fail("Failed to create client", err)
	}

	if verbose {
		infoColor.Fprintf(os.Stderr, "🔗 Base: %s", c.BaseID())
		if t := c.SelectedTable(); t != "" {
			infoColor.Fprintf(os.Stderr, "  📋 Table: %s", t)
		}
		fmt.Fprintln(os.Stderr)
	}
	return c
}

// fail prints err with a hint for the common mistakes and exits
func fail(msg string, err error) {
	errorColor.Fprintf(os.Stderr, "❌ %s: %v\n", msg, err)

	var cfgErr *airtable.ConfigurationError
	var notFound *airtable.TableNotFoundError
	switch {
	case errors.As(err, &cfgErr):
		warningColor.Fprintln(os.Stderr, "💡 Set AIRTABLE_API_KEY and AIRTABLE_BASE_ID in the environment, a .env file or airexport.yaml")
	case errors.Is(err, airtable.ErrNoTableSelected):
		warningColor.Fprintln(os.Stderr, "💡 Choose a table with --table or AIRTABLE_TABLE; 'airexport tables' lists them")
	case errors.As(err, &notFound):
		warningColor.Fprintln(os.Stderr, "💡 Run 'airexport tables' to see the available tables")
	case errors.Is(err, airtable.ErrInvalidSortDirection):
		warningColor.Fprintln(os.Stderr, "💡 Valid directions: asc, desc")
	}

	logger.Sync()
	os.Exit(1)
}

// Package cmd provides the command-line interface for hopfetch.
// It handles command parsing, configuration loading, and crawl execution.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/hopfetch/internal/config"
	"github.com/masahif/hopfetch/internal/crawler"
	"github.com/masahif/hopfetch/internal/fetch"
	"github.com/masahif/hopfetch/internal/logging"
	"github.com/masahif/hopfetch/internal/storage"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

var rootCmd = newRootCmd()

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)
}

// flagBinding maps a viper key to the flag that sets it
type flagBinding struct {
	viperKey string
	flagName string
}

var flagBindings = []flagBinding{
	{"redirect_limit", "redirect-limit"},
	{"user_agent", "user-agent"},
	{"accept_cookies", "accept-cookies"},
	{"cookies", "cookies"},
	{"http_basic_auth.username", "auth-username"},
	{"http_basic_auth.password", "auth-password"},
	{"proxy", "proxy"},
	{"proxy_host", "proxy-host"},
	{"proxy_port", "proxy-port"},
	{"proxy_basic_auth.username", "proxy-username"},
	{"proxy_basic_auth.password", "proxy-password"},
	{"read_timeout", "read-timeout"},
	{"max_body_size", "max-body-size"},
	{"retry_limit", "retry-limit"},
	{"retry_backoff", "retry-backoff"},
	{"skip_no_follow", "skip-no-follow"},
	{"follow_subdomain", "follow-subdomain"},
	{"external_links", "external-links"},
	{"verbose", "verbose"},
	{"depth_limit", "depth"},
	{"concurrency", "concurrency"},
	{"request_delay", "delay"},
	{"limit", "limit"},
	{"database_path", "database"},
	{"log_level", "log-level"},
	{"log_format", "log-format"},
	{"log_file", "log-file"},
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hopfetch [URLs...]",
		Short: "A redirect-aware page fetcher and snapshot crawler",
		Long: `hopfetch fetches pages over HTTP, following same-host redirects hop by hop,
retrying transient network faults, and carrying cookies between requests.

Every hop is stored as a page snapshot in a single SQLite file, and the links
of each terminal page are crawled breadth first up to the depth limit.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE:       bindFlags,
		RunE:          runFetch,
	}

	defaults := config.DefaultConfig()

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./hopfetch.yml)")
	cmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	// Request construction
	cmd.Flags().StringP("user-agent", "u", "", "HTTP User-Agent header (default hopfetch/<version>)")
	cmd.Flags().Bool("accept-cookies", false, "Store Set-Cookie headers and send them on later requests")
	cmd.Flags().String("cookies", "", "Seed cookies in 'name=value; name2=value2' format")
	cmd.Flags().String("auth-username", "", "Username for basic authentication")
	cmd.Flags().String("auth-password", "", "Password for basic authentication")
	cmd.Flags().String("proxy", "", "Proxy URL")
	cmd.Flags().String("proxy-host", "", "Proxy host, used when --proxy is empty")
	cmd.Flags().Int("proxy-port", 0, "Proxy port")
	cmd.Flags().String("proxy-username", "", "Username for proxy authentication")
	cmd.Flags().String("proxy-password", "", "Password for proxy authentication")
	cmd.Flags().Float64P("read-timeout", "t", defaults.ReadTimeout, "Per-request timeout in seconds")
	cmd.Flags().Int64("max-body-size", defaults.MaxBodySize, "Maximum response body size in bytes")

	// Redirects and retries
	cmd.Flags().Int("redirect-limit", defaults.RedirectLimit, "Maximum redirects followed per fetch")
	cmd.Flags().Int("retry-limit", defaults.RetryLimit, "Retries after a transient network fault")
	cmd.Flags().Float64("retry-backoff", defaults.RetryBackoff, "Initial retry backoff in seconds")

	// Link policy
	cmd.Flags().Bool("skip-no-follow", false, "Skip rel=nofollow links and pages marked noindex,follow")
	cmd.Flags().StringSlice("follow-subdomain", []string{}, "Extra hosts whose links are followed")
	cmd.Flags().Bool("external-links", false, "Follow links to any host")
	cmd.Flags().BoolP("verbose", "v", false, "Log retries and fetch failures at warn level")

	// Crawl driver
	cmd.Flags().Int("depth", defaults.DepthLimit, "Maximum link depth from a seed URL")
	cmd.Flags().IntP("concurrency", "c", defaults.Concurrency, "Number of concurrent fetches")
	cmd.Flags().Float64P("delay", "r", defaults.RequestDelay, "Delay between requests to one host in seconds")
	cmd.Flags().IntP("limit", "l", defaults.Limit, "Stop after N fetches (0=unlimited)")
	cmd.Flags().StringP("database", "d", defaults.DatabasePath, "Path to the snapshot database file, replaced on start")

	// Logging
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error")
	cmd.Flags().String("log-format", logging.FormatJSON, "Log format: json or text")
	cmd.Flags().String("log-file", "", "Also write logs to this file, rotated at 100MB")

	return cmd
}

// bindFlags binds the command's flags to viper keys
func bindFlags(cmd *cobra.Command, _ []string) error {
	for _, bind := range flagBindings {
		flag := cmd.Flags().Lookup(bind.flagName)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(bind.viperKey, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", bind.flagName, err)
		}
	}
	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("hopfetch")
	}

	viper.SetEnvPrefix("HF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("hopfetch/%s", version)
	}
	return "hopfetch/dev"
}

// loadConfig builds the fetch configuration from defaults, viper and args
func loadConfig(args []string) (*config.FetchConfig, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(args) > 0 {
		cfg.SeedURLs = args
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = generateUserAgent()
	}

	return cfg, nil
}

func loggingConfig() (logging.Config, error) {
	logCfg := logging.DefaultConfig()

	level, err := logging.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return logCfg, err
	}
	logCfg.Level = level
	if format := viper.GetString("log_format"); format != "" {
		logCfg.Format = format
	}
	logCfg.FilePath = viper.GetString("log_file")

	return logCfg, nil
}

func showCurrentConfig(w io.Writer, cfg *config.FetchConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current hopfetch configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./hopfetch.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: HF_\n\n")

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (HF_ prefix)\n")
	fmt.Fprintf(w, "# 3. Configuration file (hopfetch.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	showConfig, _ := cmd.Flags().GetBool("show-config")

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if showConfig {
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.SeedURLs) == 0 {
		return fmt.Errorf("no URLs provided\nUsage: %s [URLs...]", cmd.CommandPath())
	}

	logCfg, err := loggingConfig()
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logCloser, err := logging.SetDefault(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0750); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting hopfetch with configuration:\n")
	fmt.Fprintf(out, "  Seed URLs: %v\n", cfg.SeedURLs)
	fmt.Fprintf(out, "  Depth Limit: %d\n", cfg.DepthLimit)
	fmt.Fprintf(out, "  Limit: %d\n", cfg.Limit)
	fmt.Fprintf(out, "  Concurrency: %d\n", cfg.Concurrency)
	fmt.Fprintf(out, "  Request Delay: %v\n", cfg.RequestDelay)
	fmt.Fprintf(out, "  Redirect Limit: %d\n", cfg.RedirectLimit)
	fmt.Fprintf(out, "  Database: %s\n", cfg.DatabasePath)

	if username, _ := cfg.BasicAuthCredentials(); username != "" {
		fmt.Fprintf(out, "  Authentication: Basic (username: %s)\n", username)
	} else {
		fmt.Fprintf(out, "  Authentication: None\n")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := runCrawl(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Finished in %s:\n", stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Pages fetched: %d\n", stats.PagesCrawled)
	fmt.Fprintf(out, "  Snapshots stored: %d\n", stats.PagesStored)
	fmt.Fprintf(out, "  Redirect hops: %d\n", stats.RedirectHops)
	fmt.Fprintf(out, "  Errors: %d\n", stats.ErrorCount)
	fmt.Fprintf(out, "  Max depth: %d\n", stats.MaxDepth)

	return nil
}

// runCrawl wires the fetcher, the store and the crawler and runs one crawl
func runCrawl(ctx context.Context, cfg *config.FetchConfig) (crawler.CrawlStats, error) {
	fetcher, err := fetch.New(cfg.SeedURLs, cfg)
	if err != nil {
		return crawler.CrawlStats{}, fmt.Errorf("failed to initialize fetcher: %w", err)
	}
	defer fetcher.Close()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return crawler.CrawlStats{}, fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	c, err := crawler.NewCrawler(cfg, fetcher, store)
	if err != nil {
		return crawler.CrawlStats{}, fmt.Errorf("failed to initialize crawler: %w", err)
	}
	defer func() { _ = c.Stop() }()

	if err := c.Start(ctx, cfg.SeedURLs); err != nil {
		return c.GetStats(), err
	}
	return c.GetStats(), nil
}

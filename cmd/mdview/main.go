// Package main is the CLI entry point for mdview.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mdview/internal/config"
	"mdview/internal/daemon"
	"mdview/internal/logging"
	"mdview/internal/paths"
	"mdview/internal/process"
	"mdview/internal/registry"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mdview [file]",
	Short: "Live markdown preview in the browser",
	Long: `mdview renders a markdown file in the browser and reloads the page
whenever the file is saved. Run it on a file to preview in the foreground,
or use "serve" to leave a preview running in the background.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runForeground,
}

var serveCmd = &cobra.Command{
	Use:   "serve <file>",
	Short: "Preview a file in the background",
	Long: `Starts a detached preview for the file, prints its URL and exits.
If the file is already being served the existing URL is printed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running previews",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var stopCmd = &cobra.Command{
	Use:   "stop [file]",
	Short: "Stop a background preview",
	Long:  `Stops the preview serving the file, or every preview with --all.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden daemon command - the self-exec target of "serve"
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDaemon,
}

var (
	configPath string
	logLevel   string

	port   int
	noOpen bool

	jsonOutput bool
	stopAll    bool

	daemonFile    string
	daemonPort    int
	daemonLogPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default "+paths.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to serve on (default: first free from the configured base port)")
		cmd.Flags().BoolVar(&noOpen, "no-open", false, "Do not open the browser")
	}

	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output instances as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "Stop every running preview")

	daemonCmd.Flags().StringVar(&daemonFile, "file", "", "Markdown file to serve")
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "Port the inherited listener is bound to")
	daemonCmd.Flags().StringVar(&daemonLogPath, "log-path", "", "Log file this instance writes to")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = paths.ConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// globalArgs forwards persistent flags to a spawned background instance.
func globalArgs() []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return args
}

func newSupervisor(cfg *config.Config, logger *zap.Logger) (*daemon.Supervisor, error) {
	if err := paths.EnsureDataDirs(); err != nil {
		return nil, err
	}
	pm := process.NewManager()
	return daemon.New(daemon.Deps{
		Config:    cfg,
		Registry:  registry.New(paths.RegistryPath(), pm, logger),
		Processes: pm,
		Launcher:  &daemon.ExecLauncher{Args: globalArgs()},
		LogsDir:   paths.LogsDir(),
		Out:       os.Stdout,
		Logger:    logger,
	}), nil
}

// setup loads config and builds the logger and supervisor for a command.
func setup(format logging.Format) (*config.Config, *zap.Logger, *daemon.Supervisor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.MustNew(cfg.LogLevel, format)
	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, sup, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runForeground(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}

	_, logger, sup, err := setup(logging.FormatConsole)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(logger)
	defer cancel()

	return sup.RunForeground(ctx, args[0], daemon.RunOptions{Port: port, NoOpen: noOpen})
}

func runServe(cmd *cobra.Command, args []string) error {
	_, logger, sup, err := setup(logging.FormatConsole)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(logger)
	defer cancel()

	_, err = sup.Serve(ctx, args[0], daemon.ServeOptions{Port: port, NoOpen: noOpen})
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	_, logger, sup, err := setup(logging.FormatConsole)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	instances, err := sup.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		if instances == nil {
			instances = []registry.Instance{}
		}
		data, err := json.MarshalIndent(instances, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Print(renderInstances(instances))
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	if stopAll == (len(args) == 1) {
		return errors.New("specify a file or --all")
	}

	_, logger, sup, err := setup(logging.FormatConsole)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if stopAll {
		reports, err := sup.StopAll()
		for _, r := range reports {
			fmt.Println(describeStop(r))
		}
		if len(reports) == 0 && err == nil {
			fmt.Println("No running mdview instances")
		}
		return err
	}

	report, err := sup.Stop(args[0])
	if err != nil {
		return err
	}
	fmt.Println(describeStop(*report))
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonFile == "" {
		return fmt.Errorf("--file is required")
	}

	_, logger, sup, err := setup(logging.FormatJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(logger)
	defer cancel()

	opts := daemon.RunOptions{Port: daemonPort, NoOpen: true, LogPath: daemonLogPath}
	if ln, err := daemon.InheritedListener(); err == nil {
		opts.Listener = ln
		opts.Ready = daemon.InheritedReadyPipe()
	} else {
		logger.Warn("no inherited listener, binding directly", zap.Error(err))
	}

	return sup.RunForeground(ctx, daemonFile, opts)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("mdview %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

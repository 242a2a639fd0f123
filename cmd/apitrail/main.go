package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apitrail/apitrail"
	"github.com/apitrail/apitrail/internal/capture"
	"github.com/apitrail/apitrail/internal/config"
	histfactory "github.com/apitrail/apitrail/internal/history/factory"
	"github.com/apitrail/apitrail/internal/logger"
	"github.com/apitrail/apitrail/internal/store"
	storefactory "github.com/apitrail/apitrail/internal/store/factory"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	pauseFlags := &ControlFlags{}
	resumeFlags := &ResumeFlags{}
	stopFlags := &ControlFlags{}
	clearErrFlags := &ControlFlags{}
	statusFlags := &StatusFlags{}
	exportFlags := &ExportFlags{}
	sessionsFlags := &SessionsFlags{}

	apitrailCommand := command{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(apitrailCommand, startFlags),
		createPauseCommand(apitrailCommand, pauseFlags),
		createResumeCommand(apitrailCommand, resumeFlags),
		createStopCommand(apitrailCommand, stopFlags),
		createStatusCommand(apitrailCommand, statusFlags),
		createExportCommand(apitrailCommand, exportFlags),
		createClearErrorCommand(apitrailCommand, clearErrFlags),
		createSessionsCommand(apitrailCommand, sessionsFlags),
		createClearCommand(apitrailCommand, sessionsFlags),
		createServeCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "apitrail",
		Short: "API traffic recording and export tool",
		Long: `Apitrail records API traffic into named sessions and exports them
as deterministic NDJSON artifacts, locally or via a remote daemon.

Examples:
  apitrail serve config.toml        # Start daemon
  apitrail start --name=checkout-flow
  apitrail status
  apitrail stop
  apitrail export --session=<id> --output=checkout.ndjson
  apitrail status --api-url=http://remote:8087/api  # Remote status`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, apiUrl *string, timeout *time.Duration) {
	cmd.Flags().StringVar(apiUrl, "api-url", "", "remote daemon URL (e.g. http://host:8087/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}

// createStartCommand creates the start subcommand.
func createStartCommand(apitrailCommand command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new recording session",
		Long: `Start a new recording session on the daemon. The recorder must be
idle; use 'apitrail status' to check.

Examples:
  apitrail start --name=checkout-flow
  apitrail start --name=smoke --source-url=https://staging.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Start(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "session name (defaults to a timestamped name)")
	cmd.Flags().StringVar(&flags.SourceURL, "source-url", "", "URL of the system under capture")
	cmd.Flags().StringVar(&flags.OperationID, "op-id", "", "operation id for command deduplication")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createPauseCommand creates the pause subcommand.
func createPauseCommand(apitrailCommand command, flags *ControlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the active recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Pause(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.OperationID, "op-id", "", "operation id for command deduplication")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createResumeCommand creates the resume subcommand.
func createResumeCommand(apitrailCommand command, flags *ResumeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused or stopped recording",
		Long: `Resume the paused recording, or reopen a previously stopped session
for further capture when --session is given.

Examples:
  apitrail resume
  apitrail resume --session=2f6b1c3e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Resume(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.SessionID, "session", "", "stopped session id to reopen")
	cmd.Flags().StringVar(&flags.OperationID, "op-id", "", "operation id for command deduplication")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createStopCommand creates the stop subcommand.
func createStopCommand(apitrailCommand command, flags *ControlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the active recording session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Stop(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.OperationID, "op-id", "", "operation id for command deduplication")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(apitrailCommand command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorder status",
		Long: `Show the daemon's lifecycle snapshot: current state, active session,
recorded request count and any persisted error.

Examples:
  apitrail status
  apitrail status --api-url=http://remote:8087/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Status(*flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createExportCommand creates the export subcommand.
func createExportCommand(apitrailCommand command, flags *ExportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a session as NDJSON",
		Long: `Export a recorded session. With --session the artifact is downloaded
to --output (or stdout). Without --session the daemon packages the last
closed session through its configured artifact sink.

Examples:
  apitrail export --session=2f6b1c3e-... --output=checkout.ndjson
  apitrail export`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Export(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.SessionID, "session", "", "session id to export")
	cmd.Flags().StringVar(&flags.Output, "output", "", "output file path (defaults to stdout)")
	cmd.Flags().StringVar(&flags.OperationID, "op-id", "", "operation id for command deduplication")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createClearErrorCommand creates the clear-error subcommand.
func createClearErrorCommand(apitrailCommand command, flags *ControlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-error",
		Short: "Acknowledge a recorder error and return to idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.ClearError(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.OperationID, "op-id", "", "operation id for command deduplication")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createSessionsCommand creates the sessions command with subcommands.
func createSessionsCommand(apitrailCommand command, flags *SessionsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session management commands",
		Long: `List and delete recorded sessions.

Examples:
  apitrail sessions list
  apitrail sessions delete --id=2f6b1c3e-...`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.SessionsList(*flags)
		},
	}
	addAPIFlags(list, &flags.APIUrl, &flags.APITimeout)

	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session and all its calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.SessionsDelete(*flags)
		},
	}
	del.Flags().StringVar(&flags.SessionID, "id", "", "session id (required)")
	addAPIFlags(del, &flags.APIUrl, &flags.APITimeout)
	if err := del.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	cmd.AddCommand(list, del)
	return cmd
}

// createClearCommand creates the clear subcommand.
func createClearCommand(apitrailCommand command, flags *SessionsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every session and call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apitrailCommand.Clear(*flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{
		ConfigPath: globalFlags.ConfigPath,
	}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the apitrail daemon",
		Long: `Start the apitrail daemon: the recorder lifecycle, the capture ingest
endpoint and the session API. Without a config file it runs with an
in-memory store on :8087.

Examples:
  apitrail serve                    # In-memory store, :8087
  apitrail serve config.toml        # Start with specific config file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.ConfigPath == "" {
				serveFlags.ConfigPath = globalFlags.ConfigPath
			}
			return runServeCommand(serveFlags, args)
		},
	}
	return cmd
}

// dirSink writes export artifacts next to the daemon as plain files.
type dirSink struct{ dir string }

func (d dirSink) Write(_ context.Context, filename string, data []byte) error {
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dir, filename), data, 0o600)
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg = loaded
	}

	lg := logger.New(cfg.Log)

	st, err := storefactory.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare store schema: %w", err)
	}

	var sinks []apitrail.HistorySink
	for i, hc := range cfg.History {
		sink, err := histfactory.New(hc)
		if err != nil {
			return fmt.Errorf("history sink %d: %w", i, err)
		}
		sinks = append(sinks, sink)
	}

	var captureOpts []capture.Option
	if cfg.Capture.MaxBodyBytes > 0 {
		captureOpts = append(captureOpts, capture.WithMaxBodyBytes(cfg.Capture.MaxBodyBytes))
	}
	if len(cfg.Capture.SensitiveHeaders) > 0 {
		captureOpts = append(captureOpts, capture.WithSensitiveHeaders(cfg.Capture.SensitiveHeaders...))
	}

	snapshots, _ := st.(store.SnapshotStore)
	rec, err := apitrail.New(ctx, apitrail.Options{
		Store:         st,
		Snapshots:     snapshots,
		Artifacts:     dirSink{dir: "exports"},
		History:       sinks,
		Logger:        lg,
		Normalizer:    capture.NewNormalizer(captureOpts...),
		StaleAfter:    cfg.Snapshot.StaleAfter,
		CaptureStatic: cfg.Capture.IncludeStatic,
	})
	if err != nil {
		return fmt.Errorf("failed to recover recorder state: %w", err)
	}

	if err := apitrail.RegisterMetricsDefault(); err != nil {
		lg.Warn("failed to register metrics", "error", err)
	}

	server := apitrail.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, rec, st)
	fmt.Printf("Starting apitrail server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return server.Close()
}

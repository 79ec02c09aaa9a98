package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbcorrales/gestalyze/internal/app"
	"github.com/rbcorrales/gestalyze/internal/capture"
	"github.com/rbcorrales/gestalyze/internal/config"
	"github.com/rbcorrales/gestalyze/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gestalyze",
		Short: "Stream a camera to a hand gesture analysis backend",
		Long: `Gestalyze samples frames from a local camera, sends them to a gesture analysis
backend over WebSocket and shows the returned hand annotations and ASL letters.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	run := runCommand()
	rootCmd.RunE = run.RunE
	rootCmd.Flags().AddFlagSet(run.Flags())

	// Add commands
	rootCmd.AddCommand(run)
	rootCmd.AddCommand(camerasCommand())
	rootCmd.AddCommand(prefsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runCommand() *cobra.Command {
	var (
		camera   string
		mock     bool
		noTray   bool
		noServer bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start streaming to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if noTray {
				cfg.Tray.Enabled = false
			}
			if noServer {
				cfg.Server.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, app.Options{Mock: mock, Camera: camera}, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			t := a.Tray()
			if t == nil {
				return a.Run(ctx)
			}

			// The tray owns the main goroutine until it quits.
			t.OnQuit(stop)
			errCh := make(chan error, 1)
			go func() {
				errCh <- a.Run(ctx)
				t.Quit()
			}()
			t.Run()
			stop()
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&camera, "camera", "", "Camera source id to start with")
	cmd.Flags().BoolVar(&mock, "mock", false, "Stream synthetic frames instead of a real camera")
	cmd.Flags().BoolVar(&noTray, "no-tray", false, "Disable the system tray menu")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Disable the local HTTP API")
	return cmd
}

func camerasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cameras",
		Short: "List available cameras and the default selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctrl := capture.NewController(capture.Config{PreferenceTTL: cfg.Store.PreferenceTTL},
				&capture.GocvEnumerator{MaxDevices: cfg.Camera.MaxDevices}, nil, st.Preferences(), logger)

			sources, err := ctrl.ListSources(cmd.Context())
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cameras found")
				return nil
			}

			def, _ := ctrl.DefaultSource()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tDEFAULT")
			for _, src := range sources {
				mark := ""
				if src.ID == def.ID {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", src.ID, src.Label, mark)
			}
			return w.Flush()
		},
	}
}

func prefsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect or clear remembered preferences",
	}
	cmd.AddCommand(prefsListCommand())
	cmd.AddCommand(prefsDeleteCommand())
	return cmd
}

// openStore opens the configured preference store.
func openStore() (*store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func prefsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unexpired preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			prefs, err := st.Preferences().List()
			if err != nil {
				return err
			}
			if len(prefs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No preferences stored in", st.Path())
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE\tEXPIRES")
			for _, p := range prefs {
				expires := "never"
				if !p.ExpiresAt.IsZero() {
					expires = p.ExpiresAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Key, p.Value, expires)
			}
			return w.Flush()
		},
	}
}

func prefsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Forget a preference, e.g. " + capture.PreferredCameraKey,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Preferences().Delete(args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no preference %q", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

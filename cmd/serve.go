package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/livemd/livemd/internal/config"
	"github.com/livemd/livemd/internal/logging"
	"github.com/livemd/livemd/internal/preview"
	"github.com/livemd/livemd/internal/protocol"
	"github.com/livemd/livemd/internal/server"
	"github.com/livemd/livemd/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve [file.md]",
	Aliases: []string{"s"},
	Short:   "Start the preview server",
	Long: `Start the preview server. With a file argument, a preview session for
that file begins immediately and the file is watched for saves; without one,
the server waits for an editor integration to push sessions via the control
API.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 6419, "port to bind (falls back to the next free port)")
	serveCmd.Flags().String("host", "127.0.0.1", "host to bind")
	serveCmd.Flags().Bool("no-watch", false, "disable re-rendering on file saves")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))

	addFlagValidation(serveCmd, "port", validatePort)
	addFlagValidation(serveCmd, "host", validateHost)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	noWatch, _ := cmd.Flags().GetBool("no-watch")
	if noWatch {
		cfg.Watcher.Enabled = false
	}

	logger := logging.New(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: "text",
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := preview.New(cfg, logger)
	defer pipeline.Shutdown(protocol.EndReasonStopped)

	var fileWatcher *watcher.Watcher
	if cfg.Watcher.Enabled {
		fileWatcher, err = watcher.New(
			time.Duration(cfg.Watcher.DebounceMs)*time.Millisecond,
			func(doc string) { pipeline.RerenderFromDisk(doc) },
			logger,
		)
		if err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
		defer fileWatcher.Close()
		go fileWatcher.Run(ctx)
	}

	var sourceWatcher server.SourceWatcher
	if fileWatcher != nil {
		sourceWatcher = fileWatcher
	}
	srv := server.New(cfg, pipeline, sourceWatcher, logger)

	url, err := srv.Listen()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		doc, err := pipeline.StartFile(path)
		if err != nil {
			return err
		}
		if fileWatcher != nil {
			if err := fileWatcher.Watch(doc, path); err != nil {
				logger.Warn(ctx, err, "watch source file", "path", path)
			}
		}
	}

	fmt.Printf("Markdown preview running at: %s\n", url)
	fmt.Println("Press Ctrl+C to stop.")

	return srv.Serve(ctx)
}

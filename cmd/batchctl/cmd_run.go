package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/client"
	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/models"
)

// runRun processes the given files locally or on a server and writes the export
func runRun(cmd *cobra.Command, args []string) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		data []byte
		err  error
	)
	if serverURL != "" {
		data, err = runRemote(ctx, cmd.OutOrStdout(), args)
	} else {
		data, err = runLocal(ctx, cmd.OutOrStdout(), args)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Results written to %s\n", outPath)
	return nil
}

func loadConfig() (*config.AppConfig, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(configPath)
}

func runLocal(ctx context.Context, out io.Writer, paths []string) ([]byte, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	handles := make([]models.FileHandle, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		handles = append(handles, models.FileHandle{Name: filepath.Base(p), Size: info.Size()})
	}

	simCfg := cfg.SimConfig()
	if seed != 0 {
		simCfg.Seed = seed
	}
	limit := cfg.Batch.MaxConcurrent
	if maxConcurrent > 0 {
		limit = maxConcurrent
	}

	runner := batch.NewRunner(batch.NewSimulator(simCfg), logger)
	if err := runner.Select(handles); err != nil {
		return nil, err
	}

	valid := runner.Progress().Total
	fmt.Fprintf(out, "%d of %d files accepted\n", valid, len(handles))
	if valid == 0 {
		return runner.ExportResults()
	}

	events, unsubscribe := runner.Subscribe(2*valid + 8)
	defer unsubscribe()

	wait, err := runner.Start(ctx, limit)
	if err != nil {
		return nil, err
	}
	logger.Debug("local run started", zap.Int("files", valid), zap.Int("max_concurrent", limit))

	for {
		select {
		case ev := <-events:
			if ev.Kind == batch.EventFileDone {
				printProgress(out, ev.Progress)
			}
		case err := <-wait:
			drainProgress(out, events)
			if err != nil {
				return nil, err
			}
			return runner.ExportResults()
		}
	}
}

// drainProgress prints file completions still buffered when the run ends.
func drainProgress(out io.Writer, events <-chan batch.Event) {
	for {
		select {
		case ev := <-events:
			if ev.Kind == batch.EventFileDone {
				printProgress(out, ev.Progress)
			}
		default:
			return
		}
	}
}

func runRemote(ctx context.Context, out io.Writer, paths []string) ([]byte, error) {
	c := client.New(serverURL, logger)

	sess, err := c.Upload(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("uploading files: %w", err)
	}
	fmt.Fprintf(out, "%d of %d files accepted (session %s)\n", sess.Progress.Total, len(sess.Files), sess.ID)
	if sess.Progress.Total == 0 {
		return c.Export(ctx, sess.ID)
	}

	if _, err := c.Process(ctx, sess.ID, maxConcurrent); err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}

	lastDone := -1
	_, err = c.WaitForCompletion(ctx, sess.ID, func(p models.Progress) {
		if p.Done != lastDone {
			printProgress(out, p)
			lastDone = p.Done
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// Leave the server session reset rather than running unattended
			_, _ = c.Cancel(context.Background(), sess.ID)
		}
		return nil, err
	}

	return c.Export(ctx, sess.ID)
}

func printProgress(out io.Writer, p models.Progress) {
	fmt.Fprintf(out, "Progress: %d/%d — %d%%\n", p.Done, p.Total, p.Percent)
}

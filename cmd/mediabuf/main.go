// Command mediabuf ingests MPEG-TS streams, over SRT or from a file, and
// runs them through the coded-frame buffering engine, periodically logging
// buffered ranges and duration per stream.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mediabuf/internal/ingest"
	srtingest "github.com/zsiec/mediabuf/internal/ingest/srt"
	"github.com/zsiec/mediabuf/internal/pipeline"
	"github.com/zsiec/mediabuf/internal/stream"
	"github.com/zsiec/mediabuf/sourcebuffer"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// A file argument (or "-" for stdin) runs a single stream to
	// completion instead of serving SRT.
	if len(os.Args) > 1 {
		if err := runFile(ctx, os.Args[1]); err != nil {
			slog.Error("file ingest failed", "error", err)
			os.Exit(1)
		}
		return
	}

	srtAddr := envOr("SRT_ADDR", ":6000")
	statusInterval := durationEnvOr("STATUS_INTERVAL", 10*time.Second)

	slog.Info("mediabuf starting", "version", version, "srt", srtAddr)

	a := &app{mgr: stream.NewManager(nil)}

	g, ctx := errgroup.WithContext(ctx)

	// Create the registry after the errgroup so the dispatch closure
	// captures the errgroup-derived context, ensuring sessions shut down
	// when any component fails.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader) {
		a.handleNewSource(ctx, key, input)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	if pullAddr := os.Getenv("SRT_PULL"); pullAddr != "" {
		pullKey := envOr("SRT_PULL_KEY", "pull")
		g.Go(func() error {
			if err := a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   pullAddr,
				StreamKey: pullKey,
			}); err != nil {
				return fmt.Errorf("SRT pull from %s: %w", pullAddr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.logStatus(ctx, statusInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
}

func (a *app) handleNewSource(ctx context.Context, key string, input io.Reader) {
	slog.Info("new stream from ingest", "key", key)

	p := pipeline.New(key, input, nil)
	p.SetProtocol("SRT")

	if _, created := a.mgr.Create(key, p); !created {
		slog.Warn("rejecting duplicate stream connection", "key", key)
		return
	}
	defer a.mgr.Remove(key)

	if err := p.Run(ctx); err != nil {
		slog.Error("pipeline error", "stream", key, "error", err)
	}

	logSnapshot(slog.With("stream", key), "stream ended", p.StreamSnapshot())
}

// logStatus periodically reports buffered state for every active session.
func (a *app) logStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for key, snap := range a.mgr.Snapshots() {
				logSnapshot(slog.With("stream", key), "buffering status", snap)
			}
		}
	}
}

func runFile(ctx context.Context, path string) error {
	var r io.Reader
	key := "stdin"
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
		key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	p := pipeline.New(key, r, nil)
	p.SetProtocol("file")

	if err := p.Run(ctx); err != nil {
		return err
	}

	logSnapshot(slog.With("stream", key), "ingest complete", p.StreamSnapshot())
	return nil
}

func logSnapshot(log *slog.Logger, msg string, snap pipeline.Snapshot) {
	log.Info(msg,
		"duration", snap.Duration,
		"frames", snap.FramesAppended,
		"warnings", snap.Warnings,
		"tracks", len(snap.Tracks),
	)
	for _, tr := range snap.Tracks {
		log.Info("track buffered",
			"track", int(tr.ID),
			"type", tr.Type,
			"codec", tr.Codec,
			"bytes", tr.SizeBytes,
			"ranges", formatRanges(tr.Ranges),
		)
	}
}

func formatRanges(ranges []sourcebuffer.BufferedRange) string {
	if len(ranges) == 0 {
		return "none"
	}
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("[%s, %s)", r.Start, r.End)
	}
	return strings.Join(parts, " ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnvOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

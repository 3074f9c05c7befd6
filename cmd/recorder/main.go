// Command recorder is the client side of the ingestion pipeline: it
// captures microphone audio, segments it into speech clips with a
// voice-activity detector, queues each clip on disk, and delivers the
// queue to the ingress server over the uploadqueue's retry loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/glyphoxa/ingestd/internal/config"
	"github.com/glyphoxa/ingestd/pkg/capture"
	"github.com/glyphoxa/ingestd/pkg/ingressclient"
	"github.com/glyphoxa/ingestd/pkg/segment"
	"github.com/glyphoxa/ingestd/pkg/uploadqueue"
	"github.com/glyphoxa/ingestd/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	endpoint := flag.String("endpoint", "", "ingress websocket endpoint (overrides config if set)")
	spoolDir := flag.String("spool-dir", "spool", "directory for queued segment WAV files and upload metadata")
	uploadInterval := flag.Duration("upload-interval", 10*time.Second, "how often to retry pending uploads")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "recorder: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	target := *endpoint
	if target == "" {
		target = cfg.Server.ListenAddr
	}

	segmentDir := filepath.Join(*spoolDir, "segments")
	queueDir := filepath.Join(*spoolDir, "queue")
	if err := os.MkdirAll(segmentDir, 0o755); err != nil {
		slog.Error("create spool dir", "err", err)
		return 1
	}

	store, err := uploadqueue.NewFileStore(queueDir)
	if err != nil {
		slog.Error("open upload queue store", "err", err)
		return 1
	}
	uploader := ingressclient.New(target, cfg.Server.BearerToken)
	queue := uploadqueue.New(store, uploader, uploadqueue.AlwaysConnected{}, logger)

	sink := &fileSink{dir: segmentDir, queue: queue}

	engine := vad.NewEnergyEngine()
	segCfg := segment.Config{
		SampleRate:           capture.SampleRate,
		Channels:             capture.Channels,
		FrameSizeMs:          20,
		SilenceCloseMs:       cfg.VAD.SilenceDurationMs,
		MinSegmentDurationMs: cfg.VAD.MinSegmentDurationMs,
		VADAggressiveness:    cfg.VAD.Aggressiveness,
	}
	segmenter, err := segment.New(segCfg, engine, sink, newSegmentID)
	if err != nil {
		slog.Error("create segmenter", "err", err)
		return 1
	}
	defer segmenter.Close()

	mic, err := capture.New(segCfg.FrameSizeMs)
	if err != nil {
		slog.Error("open microphone", "err", err)
		return 1
	}
	defer mic.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mic.Start(); err != nil {
		slog.Error("start capture", "err", err)
		return 1
	}

	go queue.Run(ctx, *uploadInterval)

	slog.Info("recording started", "endpoint", target, "spool_dir", *spoolDir)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping, flushing in-progress segment…")
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := segmenter.Flush(flushCtx); err != nil {
				slog.Warn("flush error", "err", err)
			}
			cancel()
			return 0
		case frame, ok := <-mic.Frames():
			if !ok {
				return 0
			}
			if err := segmenter.ProcessFrame(ctx, frame); err != nil {
				slog.Warn("process frame", "err", err)
			}
		}
	}
}

// fileSink adapts segment.Sink (in-memory WAV payloads) onto
// uploadqueue.Queue (file-path-based enqueueing): it writes each
// completed segment to disk under dir, then enqueues the path.
type fileSink struct {
	dir   string
	queue *uploadqueue.Queue
}

func (f *fileSink) Submit(ctx context.Context, segmentID string, wavPayload []byte) error {
	path := filepath.Join(f.dir, segmentID+".wav")
	if err := os.WriteFile(path, wavPayload, 0o644); err != nil {
		return fmt.Errorf("recorder: write segment %s: %w", segmentID, err)
	}
	return f.queue.Enqueue(ctx, segmentID, path)
}

func newSegmentID() string {
	return uuid.NewString()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

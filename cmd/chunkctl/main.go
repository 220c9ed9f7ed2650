// Command chunkctl runs one-shot bulk chunk operations (preload, verify,
// purge, stats) against a manifest and local cache, without mounting a
// filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/WorkingRobot/egvmount/internal/bulk"
	"github.com/WorkingRobot/egvmount/internal/cachestore"
	"github.com/WorkingRobot/egvmount/internal/config"
	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/storage"
	"gopkg.in/yaml.v3"
)

// manifestStats is the YAML body printed by "-op stats".
type manifestStats struct {
	Files         int    `yaml:"files"`
	Chunks        int    `yaml:"chunks"`
	InstallSizeB  uint64 `yaml:"install_size_bytes"`
	DownloadSizeB uint64 `yaml:"download_size_bytes"`
}

func main() {
	var (
		configPath = flag.String("config", "mountd.yaml", "Path to daemon configuration file")
		operation  = flag.String("op", "", "Operation to run: preload, verify, purge, stats")
		threads    = flag.Int("threads", 0, "Worker thread count (0 = use config value)")
	)
	flag.Parse()

	if *operation == "" {
		log.Fatal("missing required -op flag (preload, verify, purge, stats)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	m, err := loadManifest(cfg.Manifest)
	if err != nil {
		log.Fatalf("failed to load manifest: %v", err)
	}

	threadCount := int(cfg.Cache.ThreadCount)
	if *threads > 0 {
		threadCount = *threads
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("received interrupt, cancelling...")
		cancel()
	}()
	defer cancel()

	progress := func(completed, failed, total int) {
		fmt.Printf("\r%d/%d complete (%d failed)", completed, total, failed)
	}

	switch *operation {
	case "preload":
		engine := openEngine(cfg, m)
		summary := bulk.PreloadAll(ctx, engine, m, threadCount, progress)
		fmt.Println()
		printSummary(summary)

	case "verify":
		engine := openEngine(cfg, m)
		summary := bulk.VerifyAll(ctx, engine, m, threadCount, progress)
		fmt.Println()
		printSummary(summary)

	case "purge":
		cache := cachestore.New(cfg.Cache.Dir)
		if err := cache.EnsureLayout(); err != nil {
			log.Fatalf("failed to prepare cache layout: %v", err)
		}
		summary, err := bulk.PurgeUnused(ctx, cache, m, progress)
		fmt.Println()
		if err != nil {
			log.Fatalf("purge failed: %v", err)
		}
		printSummary(summary)

	case "stats":
		out, err := yaml.Marshal(manifestStats{
			Files:         len(m.Files),
			Chunks:        len(m.Chunks),
			InstallSizeB:  m.InstallSize(),
			DownloadSizeB: m.DownloadSize(),
		})
		if err != nil {
			log.Fatalf("failed to render stats: %v", err)
		}
		os.Stdout.Write(out)

	default:
		log.Fatalf("unknown operation %q", *operation)
	}
}

func openEngine(cfg *config.Config, m *manifest.Manifest) *storage.Engine {
	engine, err := storage.Open(cfg.Cache.Dir, cfg.CDN.CloudDir, m.ChunkSubDir(), storage.Options{
		Form:         cfg.Cache.CompressionMethod,
		Level:        cfg.Cache.CompressionLevel,
		VerifyHashes: cfg.Cache.VerifyHashes,
		PoolCapacity: int(cfg.Cache.BufferCount),
	})
	if err != nil {
		log.Fatalf("failed to open storage engine: %v", err)
	}
	return engine
}

func printSummary(s bulk.Summary) {
	fmt.Printf("total=%d succeeded=%d failed=%d deleted=%d cancelled=%v\n",
		s.Total, s.Succeeded, s.Failed, s.Deleted, s.Cancelled)
}

func loadManifest(cfg config.ManifestConfig) (*manifest.Manifest, error) {
	if cfg.LocalPath != "" {
		data, err := os.ReadFile(cfg.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("read manifest file: %w", err)
		}
		return manifest.Parse(data, "")
	}

	resp, err := http.Get(cfg.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest response: %w", err)
	}
	return manifest.Parse(data, "")
}

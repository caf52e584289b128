package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/denevy/vrampool/device"
	"github.com/denevy/vrampool/internal/logging"
	"github.com/denevy/vrampool/storage"
)

func main() {
	mode := flag.String("mode", "probe", "probe: list CUDA devices; bench: run an alloc/free workload")
	ordinal := flag.Int("device", 0, "CUDA device ordinal for bench mode")
	useFake := flag.Bool("fake", false, "bench against a simulated device instead of real hardware")
	fakeTotal := flag.Uint64("fake-total", 8<<30, "simulated device memory in bytes")
	size := flag.Uint64("size", 1<<20, "allocation size in bytes for bench mode")
	duration := flag.Duration("duration", 5*time.Second, "bench duration")
	concurrency := flag.Int("concurrency", 4, "bench worker goroutines")
	unpooled := flag.Bool("unpooled", false, "bench the unpooled baseline")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address (empty disables)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// Optional .env next to the binary; real env still wins.
	_ = godotenv.Load()

	logger, err := logging.NewLogger(logging.Config{Format: "json", Level: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *metricsAddr != "" {
		go func() {
			logger.Info("starting metrics server", zap.String("address", *metricsAddr))
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	switch *mode {
	case "probe":
		runProbe(logger)
	case "bench":
		cfg, err := storage.FromEnv()
		if err != nil {
			logger.Fatal("invalid configuration", zap.Error(err))
		}
		if *unpooled {
			cfg.Strategy = storage.StrategyUnpooled
		}
		runBench(cfg, logger, benchOpts{
			ordinal:     *ordinal,
			useFake:     *useFake,
			fakeTotal:   *fakeTotal,
			size:        *size,
			duration:    *duration,
			concurrency: *concurrency,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want probe or bench)\n", *mode)
		os.Exit(2)
	}
}

func runProbe(logger *zap.Logger) {
	n, err := device.Count()
	if err != nil {
		logger.Fatal("CUDA driver unavailable", zap.Error(err))
	}
	fmt.Printf("%d CUDA device(s)\n", n)
	for i := 0; i < n; i++ {
		info, err := device.Query(i)
		if err != nil {
			logger.Error("device query failed", zap.Int("device", i), zap.Error(err))
			continue
		}
		fmt.Printf("  %d: %s\n", i, info)
	}
}

type benchOpts struct {
	ordinal     int
	useFake     bool
	fakeTotal   uint64
	size        uint64
	duration    time.Duration
	concurrency int
}

func runBench(cfg storage.Config, logger *zap.Logger, opts benchOpts) {
	storageOpts := []storage.Option{storage.WithLogger(logger)}
	if opts.useFake {
		fake := device.NewFake(opts.fakeTotal)
		storageOpts = append(storageOpts, storage.WithOpener(
			func(device.Device) (device.Allocator, error) { return fake, nil },
		))
	}

	st, err := storage.New(cfg, storageOpts...)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	dev := device.CUDADevice(opts.ordinal)
	logger.Info("bench starting",
		zap.String("device", dev.String()),
		zap.Bool("fake", opts.useFake),
		zap.String("strategy", cfg.Strategy),
		zap.Uint64("size", opts.size),
		zap.Int("concurrency", opts.concurrency),
		zap.Duration("duration", opts.duration))

	var ops atomic.Int64
	deadline := time.Now().Add(opts.duration)
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				h, err := st.Alloc(dev, opts.size)
				if err != nil {
					logger.Error("alloc failed", zap.Error(err))
					return
				}
				st.Free(h)
				ops.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := ops.Load()
	fmt.Printf("%d alloc/free cycles in %s (%.0f ops/s)\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	if stats, ok := st.Stats(dev); ok {
		fmt.Printf("hits=%d misses=%d evictions=%d used=%d pooled=%d blocks=%d\n",
			stats.Hits, stats.Misses, stats.Evictions,
			stats.UsedBytes, stats.PooledBytes, stats.PooledBlocks)
	}
}

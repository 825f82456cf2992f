package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hetercomp/hetero"
	"github.com/hetercomp/hetero/internal/driver"
	"github.com/hetercomp/hetero/internal/logging"
	"github.com/hetercomp/hetero/internal/nulldriver"
)

func main() {
	var (
		itemsStr = flag.String("items", "1M", "Number of elements per tick (e.g. 64K, 1M, 16M)")
		devices  = flag.Int("devices", 1, "Number of simulated devices")
		queues   = flag.Int("queues", 4, "Async command queue concurrency per device")
		ticks    = flag.Int("ticks", 100, "Number of pipeline pushes to run")
		parallel = flag.Bool("parallel", true, "Feed the pipeline in parallel mode instead of serial mode")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	items, err := parseSize(*itemsStr)
	if err != nil {
		log.Fatalf("invalid -items '%s': %v", *itemsStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	drv := nulldriver.WithKernels(*devices, map[string]nulldriver.KernelFunc{
		"scale": nulldriver.ScaleKernelFactor(2.0),
	})

	metrics := hetero.NewMetrics()
	cruncher, err := hetero.NewCruncherFacadeWithDriver(drv, "kernel void scale (global float* a, global float* b) {}", hetero.CruncherOptions{
		QueueConcurrency: *queues,
		Metrics:          metrics,
	})
	if err != nil {
		logger.Error("failed to build cruncher", "error", err)
		os.Exit(1)
	}
	defer cruncher.Close()

	dp := hetero.NewDevicePipeline(cruncher, *queues)
	if *parallel {
		dp.EnableParallelMode()
	}

	logger.Info("starting benchmark", "items", int64(items), "devices", *devices, "queues", *queues, "ticks", *ticks)

	srcBuf, err := hetero.NewStageBuffer(drv, hetero.F32, int(items), 4, true)
	if err != nil {
		logger.Error("failed to allocate source buffer", "error", err)
		os.Exit(1)
	}
	dstBuf, err := hetero.NewStageBuffer(drv, hetero.F32, int(items), 4, true)
	if err != nil {
		logger.Error("failed to allocate destination buffer", "error", err)
		os.Exit(1)
	}

	global := driver.Range{int(items), 1, 1}
	hostIn := hetero.HostArray{Kind: hetero.F32, Len: int(items), Data: make([]byte, int(items)*4)}
	hostOut := hetero.HostArray{Kind: hetero.F32, Len: int(items), Data: make([]byte, int(items)*4)}
	dp.AddStage(hetero.NewDeviceStage("scale", global, driver.Range{1, 1, 1}).
		BindInput(srcBuf).BindOutput(dstBuf).
		SetHostInputs(hostIn).SetHostOutputs(hostOut))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stackCh := make(chan os.Signal, 1)
	signal.Notify(stackCh, syscall.SIGUSR1)
	go dumpStacksOnSignal(stackCh, logger)

	start := time.Now()
	for i := 0; i < *ticks; i++ {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, stopping early", "tick", i)
			i = *ticks
			continue
		default:
		}

		if err := dp.Feed(); err != nil {
			logger.Error("feed failed", "tick", i, "error", err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)

	overlapped, available := dp.TimelineOverlap()
	snap := metrics.Snapshot()

	fmt.Printf("Ticks: %d\n", *ticks)
	fmt.Printf("Elapsed: %s\n", elapsed)
	fmt.Printf("Compute ops: %d\n", snap.ComputeOps)
	fmt.Printf("Compute items: %d\n", snap.ComputeItems)
	if available {
		fmt.Printf("Queue overlap observed: %v\n", overlapped)
	} else {
		fmt.Printf("Queue overlap: unavailable (fewer than 2 queues sampled)\n")
	}
}

func dumpStacksOnSignal(ch <-chan os.Signal, logger *logging.Logger) {
	for range ch {
		logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("hetero-stacks-%d.txt", time.Now().Unix())
		if f, err := os.Create(filename); err == nil {
			fmt.Fprintf(f, "Goroutine stack dump at %s\n\n", time.Now().Format(time.RFC3339))
			f.Write(buf[:n])
			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)
			f.Close()
			logger.Info("stack trace written to file", "file", filename)
		}
	}
}

// parseSize parses a count string like "64K", "1M", "512".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// Command ravkstat replays a synthetic allocation and submission workload against the simulated
// device and prints allocator, pool and pipeline statistics as json.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/config"
	"github.com/vkngwrapper/rava/driver/sim"
	"github.com/vkngwrapper/rava/gpu"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	frames := flag.Int("frames", 64, "number of frames to replay")
	buffers := flag.Int("buffers", 16, "buffers created per frame")
	maxSize := flag.Int("max-size", 256*1024, "largest buffer in bytes")
	seed := flag.Uint64("seed", 1, "workload random seed")
	detailed := flag.Bool("detailed", false, "include every free region in the output")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "ravkstat",
		Level:           level,
	})
	logger := slog.New(handler)

	err := run(logger, *configPath, workloadOptions{
		Frames:          *frames,
		BuffersPerFrame: *buffers,
		MaxSize:         *maxSize,
		Seed:            *seed,
	}, *detailed)
	if err != nil {
		handler.Error("workload failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string, options workloadOptions, detailed bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	device := sim.New(sim.Options{AutoComplete: true})
	ctx, err := gpu.New(logger, device, cfg.Options())
	if err != nil {
		return err
	}

	w, err := newWorkload(logger, ctx, options)
	if err != nil {
		_ = ctx.Destroy()
		return err
	}

	runErr := w.run()

	writer := jwriter.NewWriter()
	obj := writer.Object()
	w.stats.printJson(obj.Name("Workload"))
	ctx.PrintJson(obj.Name("Context"), detailed)
	obj.End()

	w.release()
	destroyErr := ctx.Destroy()

	if writer.Error() == nil {
		fmt.Println(string(writer.Bytes()))
	}

	if runErr != nil {
		return runErr
	}
	if destroyErr != nil {
		return destroyErr
	}
	if leaks := device.Leaks(); len(leaks) > 0 {
		return errors.Newf("%d device objects leaked: %v", len(leaks), leaks)
	}
	return writer.Error()
}

// Command gpujob runs the bundled example jobs on a compute device.
//
// Usage:
//
//	gpujob [-device auto|hal|software] [-example name|all] [-n elements] [-out dir] [-v]
//
// The heatmap example writes heatmap.png, heatmap.ppm and heatmap.csv to
// the -out directory.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gogpu/gpujob"
	"github.com/gogpu/gpujob/device"
	"golang.org/x/text/language"

	// Import device backends so they register via init().
	_ "github.com/gogpu/gpujob/device/haldevice"
	_ "github.com/gogpu/gpujob/device/software"
)

func main() {
	var (
		backend = flag.String("device", "auto", "device backend: auto, "+fmt.Sprint(device.Available()))
		name    = flag.String("example", "all", "example to run, or all")
		n       = flag.Int("n", 4096, "number of elements")
		out     = flag.String("out", "", "directory for heat map files")
		seed    = flag.Uint64("seed", 1, "random seed for inputs")
		timeout = flag.Duration("timeout", 30*time.Second, "wait timeout per job")
		lang    = flag.String("lang", "en", "language for the timing report")
		list    = flag.Bool("list", false, "list examples and exit")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *list {
		for _, ex := range examples {
			fmt.Printf("%-10s %s\n", ex.name, ex.about)
		}
		return
	}
	if *verbose {
		gpujob.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	if *n <= 0 {
		log.Fatalf("-n must be positive, got %d", *n)
	}
	tag, err := language.Parse(*lang)
	if err != nil {
		log.Fatalf("-lang: %v", err)
	}

	selected := examples
	if *name != "all" {
		ex, ok := findExample(*name)
		if !ok {
			log.Fatalf("unknown example %q (use -list)", *name)
		}
		selected = []example{ex}
	}

	dev, err := openDevice(*backend)
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer dev.Destroy()
	info := dev.Info()
	fmt.Printf("Device: %s (%v)\n\n", info.Name, info.Type)

	p := params{n: *n, out: *out, rng: rand.New(rand.NewPCG(*seed, *seed))}
	failed := 0
	for _, ex := range selected {
		tm, err := runExample(dev, ex, p, *timeout)
		if err != nil {
			fmt.Printf("%-10s FAIL: %v\n\n", ex.name, err)
			failed++
			continue
		}
		fmt.Printf("%-10s ok\n", ex.name)
		if err := tm.Report(os.Stdout, tag); err != nil {
			log.Fatal(err)
		}
		fmt.Println()
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func openDevice(name string) (device.Device, error) {
	if name == "auto" {
		return device.Default()
	}
	return device.Open(name)
}

// errTimeout is returned when a job is still executing after the timeout.
var errTimeout = errors.New("job did not finish in time")

// runExample builds, runs and verifies one example.
func runExample(dev device.Device, ex example, p params, timeout time.Duration) (gpujob.Timing, error) {
	b, verify, err := ex.build(p)
	if err != nil {
		return gpujob.Timing{}, err
	}
	job, err := b.Build(dev)
	if err != nil {
		return gpujob.Timing{}, err
	}
	defer func() {
		if err := job.Close(); err != nil {
			gpujob.Logger().Warn("close failed", "job", job.Label(), "err", err)
		}
	}()

	if err := job.Execute(); err != nil {
		return gpujob.Timing{}, err
	}
	switch job.Wait(timeout) {
	case gpujob.StatusSuccess:
	case gpujob.StatusFailure:
		return job.Timing(), job.Err()
	default:
		return job.Timing(), errTimeout
	}

	out, ok := job.Output()
	if !ok {
		return job.Timing(), errors.New("output not available")
	}
	if err := verify(out); err != nil {
		return job.Timing(), err
	}
	return job.Timing(), nil
}

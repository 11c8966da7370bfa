// Command vfuncbench drives an end-to-end build and query pass over
// synthetic integer keys, for manually exercising the pipeline outside of
// the test suite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rpcpool/vfunc/hash"
	"github.com/rpcpool/vfunc/progress"
	"github.com/rpcpool/vfunc/vfunc"
)

func main() {
	var (
		numKeys     = flag.Int("keys", 1_000_000, "number of synthetic u64 keys to build over")
		offline     = flag.Bool("offline", false, "route the build through sigstore instead of an in-memory partition")
		bucketBits  = flag.Uint("bucket-bits", 8, "sigstore bucket bits when -offline is set")
		parallelism = flag.Int("parallelism", 0, "max concurrent chunk workers (0 = number of CPUs)")
		out         = flag.String("out", "", "if set, write the built function to this path and reopen it via mmap before querying")
		quiet       = flag.Bool("quiet", false, "suppress the terminal progress bar")
	)
	flag.Parse()

	if err := run(*numKeys, *offline, *bucketBits, *parallelism, *out, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "vfuncbench:", err)
		os.Exit(1)
	}
}

func run(numKeys int, offline bool, bucketBits uint, parallelism int, outPath string, quiet bool) error {
	keys := make([]uint64, numKeys)
	for i := range keys {
		keys[i] = uint64(i)
	}

	var sink progress.Sink = progress.Noop{}
	if !quiet {
		mpbSink := progress.NewMPB(os.Stderr)
		defer mpbSink.Wait()
		sink = mpbSink
	}

	builder, err := vfunc.NewBuilder(vfunc.Config{
		Offline:     offline,
		BucketBits:  bucketBits,
		Parallelism: parallelism,
		Progress:    sink,
	})
	if err != nil {
		return fmt.Errorf("configure builder: %w", err)
	}

	start := time.Now()
	vf, err := builder.BuildUint64Keys(context.Background(), keys, keys)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	buildElapsed := time.Since(start)

	slog.Info("build complete",
		"keys", humanize.Comma(int64(numKeys)),
		"elapsed", buildElapsed,
		"keys_per_sec", humanize.Comma(int64(float64(numKeys)/buildElapsed.Seconds())),
	)

	if outPath != "" {
		if err := vf.WriteTo(outPath); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := vf.Close(); err != nil {
			return fmt.Errorf("close built function: %w", err)
		}

		reopened, err := vfunc.Open(outPath, hash.XXHash128{})
		if err != nil {
			return fmt.Errorf("reopen: %w", err)
		}
		defer reopened.Close()
		vf = reopened
	}

	start = time.Now()
	for _, k := range keys {
		if got := vf.GetUint64(k); got != k {
			return fmt.Errorf("query mismatch for key %d: got %d", k, got)
		}
	}
	queryElapsed := time.Since(start)

	slog.Info("query complete",
		"keys", humanize.Comma(int64(numKeys)),
		"elapsed", queryElapsed,
		"queries_per_sec", humanize.Comma(int64(float64(numKeys)/queryElapsed.Seconds())),
	)

	return nil
}

// Command tsavfilter strips audio and video elementary streams out of an
// MPEG-2 transport stream, leaving PSI and any other PID untouched.
//
// Usage:
//
//	tsavfilter                      reads stdin, writes stdout
//	tsavfilter in.ts out.ts         reads in.ts, writes out.ts
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/asticode/go-astikit"
	"github.com/pkg/profile"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eagletmt/tsavfilter"
)

var (
	cpuProfiling = flag.Bool("cpuprofile", false, "if set, CPU profiling is enabled")
	memProfiling = flag.Bool("memprofile", false, "if set, memory profiling is enabled")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [input.ts output.ts]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	tsavfilter.SetLogger(astikit.AdaptStdLogger(buildLogger()))

	if *cpuProfiling {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	} else if *memProfiling {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	if err := run(flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	r, w, closeAll, err := openStreams(args)
	if err != nil {
		return err
	}
	defer closeAll()

	// spec.md §5: the core takes no cancellation token. A caller that
	// wants to cancel closes the input, so the next read fails or hits
	// EOF; this is what closing r on a signal accomplishes.
	handleSignals(r)

	f := tsavfilter.NewFilter()
	stats, err := f.Run(r, w)
	if err != nil {
		return fmt.Errorf("tsavfilter: %w (read=%d written=%d dropped=%d sections=%d)",
			err, stats.PacketsRead, stats.PacketsWritten, stats.PacketsDropped, stats.SectionsParsed)
	}
	log.Printf("tsavfilter: done: read=%d written=%d dropped=%d sections=%d",
		stats.PacketsRead, stats.PacketsWritten, stats.PacketsDropped, stats.SectionsParsed)
	return nil
}

func openStreams(args []string) (r *os.File, w *os.File, closeAll func(), err error) {
	switch len(args) {
	case 0:
		return os.Stdin, os.Stdout, func() {}, nil
	case 2:
		if r, err = os.Open(args[0]); err != nil {
			return nil, nil, nil, fmt.Errorf("tsavfilter: opening %s: %w", args[0], err)
		}
		if w, err = os.Create(args[1]); err != nil {
			r.Close()
			return nil, nil, nil, fmt.Errorf("tsavfilter: creating %s: %w", args[1], err)
		}
		return r, w, func() { r.Close(); w.Close() }, nil
	default:
		flag.Usage()
		os.Exit(1)
		return nil, nil, nil, nil
	}
}

// buildLogger wires up the destination for tsavfilter's debug/warning
// output: TSAVFILTER_LOG_FILE, if set, routes it through a rotating file
// sink the way cmd/rv wires lumberjack; otherwise it goes to stderr.
func buildLogger() *log.Logger {
	var w io.Writer = os.Stderr
	if path := os.Getenv("TSAVFILTER_LOG_FILE"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		}
	}
	return log.New(w, "", log.LstdFlags)
}

func handleSignals(r *os.File) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		s := <-ch
		log.Printf("tsavfilter: received signal %s, stopping", s)
		r.Close()
	}()
}

// Command timeslice prints a profile trace written by rvjit -profile.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/rvjit/internal/timeslice"
)

func formatSummary(s timeslice.Summary, total time.Duration) string {
	share := 0.0
	if total > 0 {
		share = 100 * float64(s.Duration) / float64(total)
	}
	return fmt.Sprintf("% 12s flags=% 10s count=% 10d sum=% 16s avg=% 12s % 6.2f%%",
		s.Name, s.Flags, s.Count, s.Duration, s.Duration/time.Duration(s.Count), share)
}

func printSums(w io.Writer, r io.Reader) error {
	sums, err := timeslice.Summarize(r)
	if err != nil {
		return err
	}
	var total time.Duration
	for _, s := range sums {
		total += s.Duration
	}
	for _, s := range sums {
		fmt.Fprintln(w, formatSummary(s, total))
	}
	fmt.Fprintf(w, "% 12s sum=% 16s\n", "total", total)
	return nil
}

func printRecords(w io.Writer, r io.Reader) error {
	return timeslice.ReadAllRecords(r, func(kind string, flags timeslice.SliceFlags, d time.Duration) error {
		_, err := fmt.Fprintf(w, "%s %s %s\n", kind, flags, d)
		return err
	})
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *filename == "" && fs.NArg() == 1 {
		*filename = fs.Arg(0)
	}
	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	show := printRecords
	if *sums {
		show = printSums
	}
	if err := show(os.Stdout, f); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}

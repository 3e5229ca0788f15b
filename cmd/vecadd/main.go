// Command vecadd adds two integer vectors on an accelerator and checks the
// result. An optional YAML config path may be given as the only argument.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/notargets/vecoffload/accel"
	_ "github.com/notargets/vecoffload/accel/occa"
	_ "github.com/notargets/vecoffload/accel/simdev"
	"github.com/notargets/vecoffload/runner"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [config.yaml]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	code := run(flag.Args())
	klog.Flush()
	os.Exit(code)
}

func run(args []string) int {
	cfg := runner.DefaultConfig()
	switch len(args) {
	case 0:
	case 1:
		var err error
		if cfg, err = runner.LoadConfig(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	default:
		flag.Usage()
		return 2
	}
	cfg.Out = os.Stdout

	r, err := runner.NewRunner(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	reports, stats, err := r.Benchmark()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return accel.ExitCode(err)
	}

	correct := true
	for _, rep := range reports {
		klog.V(1).Info(rep)
		correct = correct && rep.Correct
	}
	if stats.Runs > 1 {
		fmt.Printf("%d runs\n  upload:   %v\n  dispatch: %v\n  readback: %v\n  total:    %v\n",
			stats.Runs, stats.Upload, stats.Dispatch, stats.Readback, stats.Total)
	}
	if !correct {
		fmt.Println("Output is incorrect.")
		return 1
	}
	fmt.Println("Output is correct.")
	return 0
}

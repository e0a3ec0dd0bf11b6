package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"planforge/internal/config"
	"planforge/internal/model"
	"planforge/internal/verify"
)

const usage = `Usage: planverify <config-file> <trace-file>

Replays the trace against the configuration and rejects the first
invocation that could not have happened as written.
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}

	sc, err := config.ParseFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	raw, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	tr, err := model.ParseTrace(string(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	rep, err := verify.Verify(sc, tr)
	if err != nil {
		var verr *verify.Error
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "trace invalid: %v\n", verr)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("trace valid: %d processes executed, final cycle %d, fitness %d\n",
		rep.Executed, rep.FinalCycle, rep.Fitness)
	fmt.Println("Final stocks:")
	for _, name := range rep.Final.Names() {
		fmt.Printf("  %s => %d\n", name, rep.Final[name])
	}
}

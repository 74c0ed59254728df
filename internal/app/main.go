package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "config":
		return configCmd(args[2:])
	case "cleanup":
		return cleanupCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "queuekeeper")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  queuekeeper run --config ./queuekeeper.yaml [--pid-file ./queuekeeper.pid] [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  queuekeeper config validate --config ./queuekeeper.yaml --format json|text")
	fmt.Fprintln(w, "  queuekeeper cleanup --config ./queuekeeper.yaml [--days 30] [--hard] [--dotenv ./.env]")
	fmt.Fprintln(w, "  queuekeeper version [--long] [--json]")
}

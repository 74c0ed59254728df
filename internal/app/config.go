package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/queuekeeper/internal/config"
)

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: validate")
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	_, res, err := config.Load(*configPath)
	if err != nil {
		return configValidateError(stderr, *format, err.Error())
	}

	if *format == "text" {
		msg := config.FormatValidationText(res)
		if res.OK {
			fmt.Fprintln(stdout, msg)
			return 0
		}
		fmt.Fprintln(stderr, msg)
		return 1
	}

	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if res.OK {
		fmt.Fprintln(stdout, out)
		return 0
	}
	fmt.Fprintln(stderr, out)
	return 1
}

// configValidateError emits a validation failure in the requested format.
func configValidateError(stderr io.Writer, format, msg string) int {
	res := config.ValidationResult{
		OK:     false,
		Errors: []string{msg},
	}
	if format == "text" {
		fmt.Fprintln(stderr, config.FormatValidationText(res))
		return 1
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, msg)
		return 1
	}
	fmt.Fprintln(stderr, out)
	return 1
}

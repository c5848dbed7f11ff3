// Plexus is an LLM gateway that speaks four provider API dialects and
// routes any client to any provider with transparent protocol translation.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	fs := flag.NewFlagSet("plexus", flag.ExitOnError)
	configPath := fs.String("config", "configs/plexus.yaml", "path to config file")
	checkOnly := fs.Bool("check", false, "validate config and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	switch {
	case *showVersion:
		fmt.Println("plexus", version)
		return 0
	case *checkOnly:
		if err := checkConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		fmt.Println("config ok")
		return 0
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

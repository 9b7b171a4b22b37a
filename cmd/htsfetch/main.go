package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInvalidArgs    = 2
	ExitTicketFailed   = 3
	ExitOutputError    = 4
	ExitPartialFailure = 5
	ExitInterrupted    = 6
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "ticket":
		return runTicket(cmdArgs)
	case "version":
		fmt.Println("htsfetch", version)
		return ExitSuccess
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: htsfetch <command> [options]

Commands:
  fetch    Request a ticket and write the data it describes to a file, stdout or a bucket
  ticket   Request a ticket and print it
  version  Print the version

Run 'htsfetch <command> -h' for command-specific help.`)
}

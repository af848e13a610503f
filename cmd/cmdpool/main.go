// Command cmdpool runs external commands through a core.CommandPool.
//
// Invoked as "cmdpool --worker" it serves the resident worker protocol on
// stdin/stdout; the process_pool mode spawns itself this way.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Swind/go-command-pool/core"
)

var version = "0.1.0"

func main() {
	if core.IsWorkerInvocation(os.Args) {
		os.Exit(runWorker(os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// runWorker serves requests until stdin closes.
func runWorker(stdin io.Reader, stdout, stderr io.Writer) int {
	if err := core.ServeWorker(stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "cmdpool worker: %v\n", err)
		return 1
	}
	return 0
}

// exitError carries a child's exit status out of a command's RunE.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// execute runs the root command and maps its outcome to a process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	var exitErr *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.code
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

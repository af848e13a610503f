// Package cmdpool runs external commands concurrently through a bounded
// pool of workers.
//
// Commands are described by immutable tasks (program, arguments, optional
// working directory and timeout) and pushed onto a FIFO queue. Worker
// goroutines drain the queue and hand each task to an execution backend:
//
//   - process: one fresh OS process per task
//   - thread_pool: a fresh process per task, spawned from a fixed goroutine group
//   - process_pool: long-lived resident worker processes fed over pipes
//   - inline: the calling goroutine runs the process directly
//
// An optional concurrency limit caps how many commands run at once,
// independent of the worker count. A timed-out command is killed together
// with its process group and reaped.
//
// # Quick Start
//
// Initialize the global pool at application startup:
//
//	if err := cmdpool.InitGlobalPool(cmdpool.DefaultBackendConfig()); err != nil {
//		log.Fatal(err)
//	}
//	defer cmdpool.ShutdownGlobalPool()
//
// Submit commands and wait for their output:
//
//	h, err := cmdpool.Submit(cmdpool.NewCommandTask("git", "status", "--short"))
//	if err != nil {
//		return err
//	}
//	out, err := h.Wait()
//
// # Resident workers
//
// The process_pool backend re-executes the current binary with "--worker".
// Programs using it must dispatch that argument before anything else:
//
//	func main() {
//		if cmdpool.IsWorkerInvocation(os.Args) {
//			if err := cmdpool.ServeWorker(os.Stdin, os.Stdout); err != nil {
//				os.Exit(1)
//			}
//			return
//		}
//		// ...
//	}
//
// # Pipelines
//
// ExecutePipeline runs commands in sequence, feeding each stage's stdout
// to the next stage's stdin and stopping at the first non-zero exit:
//
//	p := cmdpool.NewPipeline().
//		Pipe(cmdpool.NewCommandTask("echo", "hello")).
//		Pipe(cmdpool.NewCommandTask("tr", "a-z", "A-Z"))
//	out, err := cmdpool.ExecutePipeline(p)
//
// The building blocks live in package core; this package re-exports the
// commonly used ones.
package cmdpool

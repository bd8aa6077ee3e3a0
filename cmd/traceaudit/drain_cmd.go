package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

// runDrainCmd implements `traceaudit drain`: it re-queues tasks left
// pending in the outbox and waits until the dispatcher has handled them.
func runDrainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("drain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	svc, err := openServices(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.close()

	d := svc.dispatcher()
	d.Start(ctx)
	n, err := d.Drain(ctx)
	d.Stop()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "drained %d task(s)\n", n)
	return 0
}

// Command framedemo renders a synthetic scene with the framesched frame loop
// and reports how the selected load balancer spread the tiles.
//
// Flags may also be set through FRAMEDEMO_* environment variables or a
// config file passed with --config.
//
//	framedemo --strategy 'workqueue(-granularity 4)' --frames 30 --output out.bmp
//	framedemo --nodes 3 --workers 2 --label --output cluster.bmp
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

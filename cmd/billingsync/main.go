// Command billingsync receives provider webhooks, reconciles subscription
// state into Postgres and re-drives events that arrived before their account.
//
// Without flags it runs the HTTP server and the redrive schedule. The flags
// select one-shot maintenance modes instead:
//
//	billingsync -migrate
//	billingsync -redrive-once
//	billingsync -merge-from <user id> -merge-into <user id>
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	var opts runOptions
	flag.BoolVar(&opts.migrateOnly, "migrate", false, "Apply database migrations and exit")
	flag.BoolVar(&opts.redriveOnce, "redrive-once", false, "Run one redrive pass over due orphaned events and exit")
	flag.StringVar(&opts.mergeFrom, "merge-from", "", "User id of the account to merge away")
	flag.StringVar(&opts.mergeInto, "merge-into", "", "User id of the account that survives the merge")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		slog.Default().Error("billingsync stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

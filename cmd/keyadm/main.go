// Command keyadm administers the gatekeys database: schema migrations, users,
// groups, caller tokens and bulk directory imports.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd(newPostgresBackend()).ExecuteContext(ctx); err != nil {
		slog.Error("keyadm failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

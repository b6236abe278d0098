// Command admintoken mints an admin bearer token for the /v1/admin routes.
// It reads the same environment as the API server (JWT_SECRET, ADMIN_IDS).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/genbot/backend/internal/auth"
	"github.com/genbot/backend/internal/config"
)

func main() {
	actor := flag.Int64("actor", 0, "Telegram id of the admin the token acts as")
	ttl := flag.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	token, err := auth.NewService(cfg).IssueToken(*actor, *ttl)
	if err != nil {
		slog.Error("Cannot issue token", "actor", *actor, "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

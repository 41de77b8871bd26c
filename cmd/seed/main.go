// Command seed loads a YAML rule file into an empty rule store.
//
//	seed -rules configs/rules.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pesio-ai/be-command-gateway/internal/bootstrap"
	"github.com/pesio-ai/be-command-gateway/internal/platform/config"
	"github.com/pesio-ai/be-command-gateway/internal/service"
)

func main() {
	rulesPath := flag.String("rules", "configs/rules.yaml", "path to the YAML rule file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := bootstrap.NewLogger(cfg)

	rules, err := service.LoadRuleFile(*rulesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *rulesPath).Msg("Failed to load rule file")
	}

	ctx := context.Background()
	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	svc := bootstrap.NewServices(cfg, store, nil, log)

	admin, created, err := svc.Users.EnsureAdmin(ctx, cfg.Bootstrap.AdminName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap admin user")
	}
	if created {
		log.Warn().
			Str("user_id", admin.ID).
			Str("api_key", admin.APIKey).
			Msg("Bootstrap admin created; store this API key now")
	}

	n, err := svc.Rules.SeedRules(ctx, admin.ID, rules)
	if err != nil {
		log.Fatal().Err(err).Int("created", n).Msg("Seeding rules failed")
	}
	log.Info().Int("created", n).Str("path", *rulesPath).Msg("Rules seeded")
}

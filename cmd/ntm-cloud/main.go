// Command ntm-cloud runs the cloud authority: it issues one-time server
// activation secrets, activates restaurant local servers with their public
// keys, and verifies their signed requests.
package main

import (
	"log"

	"github.com/spf13/pflag"

	"nodetrust.mini/ntm/internal/api"
	"nodetrust.mini/ntm/internal/app"
	"nodetrust.mini/ntm/internal/config"
	"nodetrust.mini/ntm/internal/docs"
	"nodetrust.mini/ntm/internal/issuer"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/logger"
	"nodetrust.mini/ntm/internal/types"
	"nodetrust.mini/ntm/internal/verify"
	"nodetrust.mini/ntm/internal/web"
)

func defaults() config.Config {
	def := config.Defaults()
	def.Port = 3000
	def.DatabaseFile = "cloud.db"
	return def
}

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a JSON or YAML config file")
	port := pflag.IntP("port", "p", 0, "Listen port (overrides config and PORT)")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	restore := pflag.Bool("restore-backup", false, "Replace the database with its newest backup and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath, defaults())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *restore {
		if err := app.RestoreBackup(cfg, app.NewLogger(cfg, logger.New(0), *verbose)); err != nil {
			log.Fatalf("Failed to restore backup: %v", err)
		}
		return
	}

	rt, err := app.Open(cfg, *verbose)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer rt.Close()

	cfg.Port = app.ResolvePort(cfg.Port, rt.Logger)
	if *port != 0 {
		cfg.Port = *port
	}

	svc := api.NewService(api.Options{
		Role:  api.RoleAuthority,
		Store: rt.Store,
		Issuer: issuer.New(rt.Store, issuer.Options{
			Flavor:         types.FlavorServer,
			SecretLength:   keys.SecretLength,
			RequireAddress: true,
			Events:         rt.Bus,
			Logger:         rt.Logger,
		}),
		Docs:       docs.NewService(cfg.DocsDir),
		Ring:       rt.Ring,
		Logger:     rt.Logger,
		MaxBackups: cfg.MaxBackups,
	})

	server := web.NewServer(web.Options{
		Port: cfg.Port,
		API:  svc,
		Verifier: verify.New(rt.Store, verify.Options{
			Flavor:  types.FlavorServer,
			MaxSkew: cfg.MaxClockSkew,
			Logger:  rt.Logger,
		}),
		Ring:   rt.Ring,
		Bus:    rt.Bus,
		Logger: rt.Logger,
	})

	if err := rt.Serve(server); err != nil {
		rt.Logger.Error("server exited", "error", err)
	}
}

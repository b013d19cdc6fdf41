// Package main is the entry point for the ntm node: a restaurant local
// server that claims its identity from the cloud authority, signs its
// calls to it, and issues and verifies tablet identities of its own.
package main

import (
	"log"

	"github.com/spf13/pflag"

	"nodetrust.mini/ntm/internal/api"
	"nodetrust.mini/ntm/internal/app"
	"nodetrust.mini/ntm/internal/claimant"
	"nodetrust.mini/ntm/internal/config"
	"nodetrust.mini/ntm/internal/credentials"
	"nodetrust.mini/ntm/internal/docs"
	"nodetrust.mini/ntm/internal/issuer"
	"nodetrust.mini/ntm/internal/keys"
	"nodetrust.mini/ntm/internal/logger"
	"nodetrust.mini/ntm/internal/signing"
	"nodetrust.mini/ntm/internal/types"
	"nodetrust.mini/ntm/internal/upstream"
	"nodetrust.mini/ntm/internal/verify"
	"nodetrust.mini/ntm/internal/web"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a JSON or YAML config file")
	port := pflag.IntP("port", "p", 0, "Listen port (overrides config and PORT)")
	cloudURL := pflag.String("cloud-url", "", "Cloud authority base URL (overrides config)")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	restore := pflag.Bool("restore-backup", false, "Replace the database with its newest backup and exit")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *cloudURL != "" {
		cfg.CloudAPIURL = *cloudURL
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

	creds := credentials.NewFile(cfg.CredentialsFile)
	signer := signing.NewSigner(creds, signing.ServerHeaders, nil)
	cloud := upstream.NewClient(cfg.CloudAPIURL, upstream.ServerActivation, signer, cfg.ActivationTimeout)

	if current, err := creds.Read(); err != nil {
		rt.Logger.Error("credentials file unreadable, setup required", "path", creds.Path(), "error", err)
	} else if current == nil {
		rt.Logger.Info("node not activated, POST /api/setup with an activation secret", "cloud", cfg.CloudAPIURL)
	} else {
		rt.Logger.Info("node activated", "server_id", current.ExternalID)
	}

	svc := api.NewService(api.Options{
		Role:  api.RoleNode,
		Store: rt.Store,
		Issuer: issuer.New(rt.Store, issuer.Options{
			Flavor:       types.FlavorTablet,
			SecretLength: keys.CodeLength,
			TTL:          cfg.TabletCodeTTL,
			Events:       rt.Bus,
			Logger:       rt.Logger,
		}),
		Claimant:   claimant.New(cloud, creds, cfg.ActivationTimeout, rt.Logger),
		Upstream:   cloud,
		Docs:       docs.NewService(cfg.DocsDir),
		Ring:       rt.Ring,
		Logger:     rt.Logger,
		MaxBackups: cfg.MaxBackups,
	})

	server := web.NewServer(web.Options{
		Port: cfg.Port,
		API:  svc,
		Verifier: verify.New(rt.Store, verify.Options{
			Flavor:  types.FlavorTablet,
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

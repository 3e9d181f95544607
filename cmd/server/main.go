package main

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/devswarm/backend/internal/api"
	"github.com/devswarm/backend/internal/auth"
	"github.com/devswarm/backend/internal/config"
	"github.com/devswarm/backend/internal/instance"
	"github.com/devswarm/backend/internal/migration"
	"github.com/devswarm/backend/internal/provider"
	"github.com/devswarm/backend/internal/registry"
	"github.com/devswarm/backend/internal/sshutil"
	"github.com/devswarm/backend/internal/swarm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}

	// Storage: one SQLite file holds both the instance registry and the
	// migration plans.
	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	reg, err := registry.NewSQLiteRegistry(db)
	if err != nil {
		logrus.Fatalf("Failed to init registry: %v", err)
	}
	planStore, err := migration.NewSQLitePlanStore(db)
	if err != nil {
		logrus.Fatalf("Failed to init plan store: %v", err)
	}

	providers := make(map[instance.ProviderType]provider.Provider)

	if cfg.DockerEnabled {
		docker, err := provider.NewDockerProvider(cfg.DockerNetwork)
		if err != nil {
			logrus.Fatalf("Failed to create docker provider: %v", err)
		}
		providers[instance.ProviderDocker] = docker
	}

	if cfg.GCPProject != "" {
		pub, priv := cfg.GCESSHPublicKey, cfg.GCESSHPrivateKey
		if pub == "" || priv == "" {
			kp, err := sshutil.GenerateKeyPair("devswarm-fleet")
			if err != nil {
				logrus.Fatalf("Failed to generate fleet SSH key: %v", err)
			}
			pub, priv = kp.PublicKey, kp.PrivateKey
			logrus.Warn("generated ephemeral fleet SSH key; set GCE_SSH_PUBLIC_KEY/GCE_SSH_PRIVATE_KEY to keep exec working across restarts")
		}

		gce, err := provider.NewGCEProvider(provider.GCEConfig{
			Project:       cfg.GCPProject,
			Zone:          cfg.GCPZone,
			Network:       cfg.GCPNetwork,
			SSHUser:       cfg.GCESSHUser,
			SSHPublicKey:  pub,
			SSHPrivateKey: priv,
		})
		if err != nil {
			logrus.Fatalf("Failed to create gce provider: %v", err)
		}
		providers[instance.ProviderGCE] = gce
	}

	if len(providers) == 0 {
		logrus.Fatal("No providers configured")
	}

	ctrl := swarm.New(reg, planStore, providers)

	ctx := context.Background()
	if err := ctrl.InitializeProviders(ctx); err != nil {
		logrus.Fatalf("Provider initialization failed: %v", err)
	}

	// Pick migrations interrupted by the previous run back up without
	// blocking startup.
	go func() {
		if _, err := ctrl.ResumeMigrations(ctx); err != nil {
			logrus.WithError(err).Error("failed to resume migrations")
		}
	}()

	authn := auth.New(cfg.JWTSecret, cfg.AuthDisabled)
	srv := api.NewServer(ctrl, authn, cfg.CORSOrigins)

	logrus.WithFields(logrus.Fields{
		"port":          cfg.Port,
		"db":            cfg.DBPath,
		"auth_disabled": cfg.AuthDisabled,
	}).Info("devswarm backend listening")

	if err := http.ListenAndServe(":"+cfg.Port, srv); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

package main

import (
	"fmt"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/providentiaww/trilix-command-bridge/cmd/bridge-server/auth"
	"github.com/providentiaww/trilix-command-bridge/cmd/bridge-server/handlers"
	"github.com/providentiaww/trilix-command-bridge/internal/bridge"
	"github.com/providentiaww/trilix-command-bridge/internal/config"
	"github.com/providentiaww/trilix-command-bridge/internal/storage"
	"github.com/providentiaww/trilix-command-bridge/internal/token"
)

const ServiceVersion = "v1.0.0"

func main() {
	config.LoadEnv(".env")
	configureLogging()

	log.WithField("version", ServiceVersion).Info("starting bridge-server")

	configPath := os.Getenv("BRIDGE_CONFIG_PATH")
	if configPath == "" {
		configPath = "providers.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize credential store: %v", err)
	}
	defer store.Close()

	tokens := token.NewManager(store, cfg.Providers)
	registry := bridge.NewRegistry(tokens, cfg.Client, cfg.Providers)
	defer registry.Close()

	handler := handlers.NewHandler(registry, store)
	middleware := auth.NewMiddleware(auth.NewVerifierFromEnv())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.HandleHealth)
	mux.HandleFunc("/v1/commands", middleware.HandlerFunc(handler.HandleCommand))
	mux.HandleFunc("/v1/sessions/", middleware.HandlerFunc(handler.HandleSession))
	mux.HandleFunc("/v1/accounts", middleware.HandlerFunc(handler.HandleAccounts))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	addr := fmt.Sprintf(":%s", port)

	log.WithField("addr", addr).Info("bridge-server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func configureLogging() {
	if level, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

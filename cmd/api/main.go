package main

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"markerengine/internal/config"
	"markerengine/internal/engine"
	"markerengine/internal/enrich"
	"markerengine/internal/interpret"
	"markerengine/internal/registry"
	"markerengine/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	src, cleanup, err := buildSource(cfg.Registry)
	if err != nil {
		log.Fatalf("registry source: %v", err)
	}
	defer cleanup()

	reg, err := registry.Load(ctx, src)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	log.Printf("registry loaded: %d markers, version %s", reg.Len(), reg.Version())

	var current atomic.Pointer[registry.Registry]
	current.Store(reg)
	snapshot := func() *registry.Registry { return current.Load() }

	if cfg.Registry.Watch && !cfg.Registry.S3.Enabled && cfg.Registry.PostgresDSN == "" {
		go watchRegistry(ctx, cfg.Registry.Path, src, &current)
	}

	eng := engine.New(snapshot, enrich.New(cfg.NLP), cfg.Engine)

	var bridge *interpret.Bridge
	if cfg.Bridge.Enabled {
		bridge = buildBridge(ctx, cfg.Bridge)
		defer bridge.Close()
	}

	srv := server.New(eng, bridge, snapshot)
	h := server.CORS(srv.BuildMux())

	log.Printf("Starting marker engine API on %s", cfg.Port)
	log.Fatal(http.ListenAndServe(cfg.Port, h2c.NewHandler(h, &http2.Server{})))
}

// buildSource picks the registry backend: object store, then Postgres,
// then the local filesystem.
func buildSource(cfg config.RegistryConfig) (registry.Source, func(), error) {
	if cfg.S3.Enabled {
		src, err := registry.NewS3Source(registry.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	}
	if cfg.PostgresDSN != "" {
		src, err := registry.NewPostgresSource(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
	return registry.NewFileSource(cfg.Path), func() {}, nil
}

// watchRegistry reloads the snapshot whenever marker files change. A
// reload that fails to validate keeps the previous snapshot in place.
func watchRegistry(ctx context.Context, path string, src registry.Source, current *atomic.Pointer[registry.Registry]) {
	err := registry.Watch(ctx, path, func() {
		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		next, err := registry.Load(loadCtx, src)
		if err != nil {
			log.Printf("registry reload failed, keeping previous snapshot: %v", err)
			return
		}
		prev := current.Load()
		if prev != nil && prev.Version() == next.Version() {
			return
		}
		current.Store(next)
		log.Printf("registry reloaded: %d markers, version %s", next.Len(), next.Version())
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("registry watch stopped: %v", err)
	}
}

func buildBridge(ctx context.Context, cfg config.BridgeConfig) *interpret.Bridge {
	var clients []interpret.Client
	if gem, err := interpret.NewGeminiClient(ctx, cfg.GeminiModel); err != nil {
		log.Printf("bridge: gemini unavailable: %v", err)
	} else {
		clients = append(clients, gem)
	}
	if cfg.GroqAPIKey != "" {
		clients = append(clients, interpret.NewGroqClient(cfg.GroqAPIKey, cfg.GroqModel, cfg.Timeout))
	}
	return interpret.NewBridge(cfg.Timeout, clients...)
}

// Command broadcastd runs the live-broadcast core: the process pool,
// per-channel broadcasters, the health & restart supervisor, the playout
// and EPG engines, the metadata enrichment pipeline, the tuner emulation
// and IPTV HTTP surfaces, and (if enabled) the bounded AI agent, all under
// one suture supervisor tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/epg"
	"github.com/meridiantv/broadcastd/internal/gracenote"
	"github.com/meridiantv/broadcastd/internal/httpapi"
	"github.com/meridiantv/broadcastd/internal/httpclient"
	"github.com/meridiantv/broadcastd/internal/iptvorg"
	"github.com/meridiantv/broadcastd/internal/library"
	"github.com/meridiantv/broadcastd/internal/metadata"
	"github.com/meridiantv/broadcastd/internal/playout"
	"github.com/meridiantv/broadcastd/internal/pool"
	"github.com/meridiantv/broadcastd/internal/roottree"
	"github.com/meridiantv/broadcastd/internal/schedulesdirect"
	"github.com/meridiantv/broadcastd/internal/store"
	"github.com/meridiantv/broadcastd/internal/transcoder"
	"github.com/meridiantv/broadcastd/internal/tunerapi"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	dbPath := getEnv("BROADCASTD_DB_PATH", "broadcastd.db")
	st, err := store.Open(store.Config{Path: dbPath, BusyTimeout: 5 * time.Second, EnabledChannels: 20})
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	_ = config.LoadEnvFile(getEnv("BROADCASTD_ENV_FILE", ".env"))

	cfg, err := config.LoadBroadcastConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ffmpegPath := getEnv("BROADCASTD_FFMPEG_PATH", "ffmpeg")
	ffprobePath := getEnv("BROADCASTD_FFPROBE_PATH", "ffprobe")

	poolLogger := logger.With().Str("component", "pool").Logger()
	p := pool.New(cfg.Pool, poolLogger, &pool.Guards{})

	cache, err := library.OpenBadgerCache(getEnv("BROADCASTD_URL_CACHE_DIR", "data/url-cache"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open url resolver cache")
	}
	resolver := library.New(cache, logger)
	resolver.Register("local", library.LocalResolver{})
	resolver.Register("http", library.HTTPResolver{Client: httpclient.ForStreaming()})
	resolver.Register("plex", library.PlexResolver{
		BaseURL: getEnv("BROADCASTD_PLEX_BASE_URL", ""),
		Token:   getEnv("BROADCASTD_PLEX_TOKEN", ""),
	})

	playoutEngine := playout.New(st, st)
	generator := epg.New(playoutEngine, roottree.NewLineupAdapter(st)).WithChannelLister(st)

	// Provider order is the spec.md §4.9 fallback chain: TVDB, then TMDB,
	// then local NFO, then filename parse.
	providers := []metadata.Provider{}
	if key := getEnv("BROADCASTD_TVDB_API_KEY", ""); key != "" {
		providers = append(providers, metadata.NewTVDBProvider(key, httpclient.Default()))
	}
	if key := getEnv("BROADCASTD_TMDB_API_KEY", ""); key != "" {
		providers = append(providers, metadata.NewTMDBProvider(key, httpclient.Default()))
	}
	providers = append(providers, metadata.NewNFOProvider(), metadata.NewFilenameProvider())

	var identity []metadata.ChannelIdentityProvider
	if path := getEnv("BROADCASTD_GRACENOTE_DB_PATH", ""); path != "" {
		if db, err := gracenote.Load(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("load gracenote db")
		} else {
			identity = append(identity, db)
		}
	}
	if path := getEnv("BROADCASTD_IPTVORG_DB_PATH", ""); path != "" {
		if db, err := iptvorg.Load(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("load iptv.org db")
		} else {
			identity = append(identity, db)
		}
	}
	if path := getEnv("BROADCASTD_SCHEDULESDIRECT_DB_PATH", ""); path != "" {
		if db, err := schedulesdirect.Load(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("load schedules direct db")
		} else {
			identity = append(identity, db)
		}
	}

	pipeline := metadata.New(providers, identity, logger)

	driver := transcoder.NewDriver(ffmpegPath, ffprobePath)
	registry := roottree.NewChannelRegistry()

	built := roottree.Build(roottree.Deps{
		Config:     cfg,
		Pool:       p,
		Registry:   registry,
		Generator:  generator,
		Pipeline:   pipeline,
		Playout:    playoutEngine,
		Logs:       nil,
		Driver:     driver,
		FFmpegPath: ffmpegPath,
		Logger:     logger,
	})

	if err := loadChannels(st, registry, built, p, playoutEngine, resolver, ffmpegPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("load channels")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := built.Tree.ServeBackground(ctx)

	tunerAddr := getEnv("BROADCASTD_TUNER_HTTP_ADDR", ":5004")
	tunerCfg := tunerapi.Config{
		FriendlyName: getEnv("BROADCASTD_TUNER_FRIENDLY_NAME", "broadcastd"),
		ModelNumber:  getEnv("BROADCASTD_TUNER_MODEL_NUMBER", "HDTC-2US"),
		DeviceID:     getEnv("BROADCASTD_TUNER_DEVICE_ID", ""),
	}
	tuner := tunerapi.New(tunerCfg, st, roottree.NewTunerBroadcasterSource(registry), generator, logger)
	tunerServer := &http.Server{Addr: tunerAddr, Handler: tuner.Router(), ReadTimeout: 15 * time.Second}
	go func() {
		logger.Info().Str("addr", tunerAddr).Msg("tuner emulation http surface listening")
		if err := tunerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("tuner emulation http surface")
		}
	}()
	if selfBaseURL := getEnv("BROADCASTD_TUNER_BASE_URL", ""); selfBaseURL != "" {
		tunerapi.StartSSDP(ctx, selfBaseURL, tunerCfg.DeviceID, logger)
	}

	var httpServer *http.Server
	if cfg.Agent.BoundedAgentEnabled {
		secret := []byte(getEnv("BROADCASTD_JWT_SECRET", ""))
		addr := getEnv("BROADCASTD_AGENT_HTTP_ADDR", ":8099")
		api := httpapi.New(built.Agent, secret, logger)
		httpServer = &http.Server{Addr: addr, Handler: api.Router(), ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second}
		go func() {
			logger.Info().Str("addr", addr).Msg("agent control api listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("agent control api")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("supervisor tree exited")
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = tunerServer.Shutdown(shutdownCtx)
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	fmt.Println("broadcastd stopped")
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

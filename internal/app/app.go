package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/auth"
	"github.com/lukasbauer/mendan/internal/eventlog"
	"github.com/lukasbauer/mendan/internal/events"
	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/httpapi"
	"github.com/lukasbauer/mendan/internal/llm"
	"github.com/lukasbauer/mendan/internal/notifications"
	"github.com/lukasbauer/mendan/internal/profile"
)

// App holds the proxy's long-lived dependencies.
type App struct {
	cfg       Config
	logger    zerolog.Logger
	db        *pgxpool.Pool
	eventLog  *eventlog.Logger
	events    *events.Publisher
	discord   *notifications.Discord
	profiles  profile.Store
	generator *generation.Service
	tokens    *auth.Tokens
	sessions  *httpapi.SessionRegistry
}

// New wires the proxy. Postgres, Kafka, Discord and profile storage are all
// optional; only a reachable database is checked at startup.
func New(cfg Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		discord:  notifications.NewDiscord(cfg.DiscordWebhookURL, logger.With().Str("component", "discord").Logger(), cfg.AlertCooldown),
		tokens:   auth.New(cfg.JWTSecret, cfg.JWTExpiry),
		sessions: httpapi.NewSessionRegistry(),
	}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
	}

	a.eventLog = eventlog.New(a.db)
	if err := a.eventLog.Migrate(context.Background()); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}

	profiles, err := a.openProfiles()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.profiles = profiles

	a.events = events.New(&events.Config{
		Brokers:         cfg.KafkaBrokers,
		TopicBridge:     cfg.KafkaTopicBridge,
		TopicGeneration: cfg.KafkaTopicGeneration,
		Principal:       cfg.KafkaPrincipal,
		Enabled:         cfg.KafkaEnabled,
	}, logger.With().Str("component", "events").Logger())

	var client llm.Client
	if cfg.OpenAIAPIKey != "" {
		client = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			HTTPClient: newHTTPClient(),
		})
	}
	a.generator = generation.NewService(client, generation.Config{
		Stage1Model:       cfg.Stage1Model,
		Stage2Model:       cfg.Stage2Model,
		Stage1MaxTokens:   cfg.Stage1MaxTokens,
		Stage1Temperature: cfg.Stage1Temperature,
		Stage2MaxTokens:   cfg.Stage2MaxTokens,
		Stage2Temperature: cfg.Stage2Temperature,
	}, logger.With().Str("component", "generation").Logger())
	a.generator.OnResult = a.publishGeneration

	return a, nil
}

// openProfiles picks Postgres when a database is configured and the sealed
// file otherwise. Without PROFILE_KEY the profile endpoints are disabled.
func (a *App) openProfiles() (profile.Store, error) {
	if a.cfg.ProfileKey == "" {
		a.logger.Warn().Msg("PROFILE_KEY not set, profile storage disabled")
		return nil, nil
	}
	key, err := profile.ParseKey(a.cfg.ProfileKey)
	if err != nil {
		return nil, err
	}
	log := a.logger.With().Str("component", "profiles").Logger()
	if a.db != nil {
		store, err := profile.NewPGStore(a.db, "default", key, log)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("migrate profiles: %w", err)
		}
		return store, nil
	}
	store, err := profile.NewFileStore(a.cfg.ProfileFile, key, log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *App) publishGeneration(res generation.Result) {
	a.events.PublishGenerationAsync(events.GenerationEvent{
		Stage:        res.Stage,
		Mode:         res.Mode,
		Outcome:      res.Outcome,
		Category:     res.Category,
		LatencyMs:    res.Latency.Milliseconds(),
		FirstTokenMs: res.FirstToken.Milliseconds(),
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostCents:    res.CostCents,
	})
}

// Shared HTTP client with connection pooling for the model API. Streams can
// run long, so only the dial and handshake are bounded.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		OpenAIAPIKey:       a.cfg.OpenAIAPIKey,
		TranscriptionModel: a.cfg.TranscriptionModel,
		RealtimeURL:        a.cfg.RealtimeURL,
		SilenceDurationMs:  a.cfg.SilenceDurationMs,
		PrefixPaddingMs:    a.cfg.PrefixPaddingMs,
		MinCommitBytes:     a.cfg.MinCommitBytes,
	}
	return httpapi.NewRouter(routerCfg, httpapi.Deps{
		Generator: a.generator,
		Tokens:    a.tokens,
		Profiles:  a.profiles,
		EventLog:  a.eventLog,
		Events:    a.events,
		Discord:   a.discord,
		Sessions:  a.sessions,
	}, a.logger)
}

// Sessions is the bridge registry used for draining on shutdown.
func (a *App) Sessions() *httpapi.SessionRegistry {
	return a.sessions
}

// GeneratorMode reports "openai" or "fallback".
func (a *App) GeneratorMode() string {
	return a.generator.Mode()
}

func (a *App) Close() error {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close event publisher")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}

// Package bootstrap assembles the long-lived collaborators shared by the API
// and worker binaries from an infra.Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"slidegen/internal/adapter/repo"
	"slidegen/internal/domain"
	"slidegen/internal/infra"
	"slidegen/internal/infra/credentials"
	"slidegen/internal/infra/geoip"
	"slidegen/internal/jobstore"
	"slidegen/internal/middleware"
	"slidegen/internal/notify"
	"slidegen/internal/objectstore"
	"slidegen/internal/pipeline"
	"slidegen/internal/providers/genai"
	"slidegen/internal/providers/script"
	"slidegen/internal/providers/speech"
	"slidegen/internal/render"
	"slidegen/internal/resultcache"
	"slidegen/internal/storage"
)

const (
	ScriptProviderGemini = "gemini"
	ScriptProviderOpenAI = "openai"
	ScriptProviderStatic = "static"
)

// Options selects which optional pieces a process needs.
type Options struct {
	// Hub creates the websocket hub and routes events into it.
	Hub bool
	// PublishPostgres sends events through pg_notify for a separate API process.
	PublishPostgres bool
}

// AssetStore saves and serves narration audio.
type AssetStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// Runtime holds everything a process wires into the service and the pool.
type Runtime struct {
	Config *infra.Config
	Logger infra.Logger

	DB  *pgxpool.Pool
	SQL *infra.SQLRunner

	Store         domain.JobStore
	Cache         domain.ResultCache
	Lessons       domain.LessonRepository
	Assets        AssetStore
	Hub           *notify.Hub
	Notifier      notify.Notifier
	Scripts       pipeline.ScriptGenerator
	Speech        pipeline.SpeechSynthesizer
	CountryLookup middleware.CountryLookup

	nats    *nats.Conn
	closers []func() error
}

// New connects to every backend the configuration names. Optional backends
// left blank fall back to in-process implementations.
func New(ctx context.Context, cfg *infra.Config, logger infra.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", rt.openDatabase},
		{"job store", rt.openStore},
		{"result cache", rt.openCache},
		{"nats", rt.openNATS},
		{"asset store", rt.openAssets},
		{"notifier", func(ctx context.Context) error { return rt.openNotifier(ctx, opts) }},
		{"script generator", rt.openScripts},
		{"speech", rt.openSpeech},
		{"geoip", rt.openGeoIP},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("bootstrap %s: %w", step.name, err)
		}
	}
	return rt, nil
}

// Pipeline builds the per-job pipeline over the runtime's collaborators.
func (rt *Runtime) Pipeline() *pipeline.Pipeline {
	return pipeline.New(pipeline.Deps{
		Store:    rt.Store,
		Cache:    rt.Cache,
		Notifier: rt.Notifier,
		Renderer: render.NewTemplRenderer(),
		Scripts:  rt.Scripts,
		Speech:   rt.Speech,
		Logger:   &rt.Logger,
	}, rt.Config.Pipeline)
}

// Listener returns a relay from pg_notify into the hub, or nil when the
// process has no hub or no database.
func (rt *Runtime) Listener() *notify.PGListener {
	if rt.Hub == nil || rt.DB == nil || !rt.Config.NotifyPostgres {
		return nil
	}
	return notify.NewPGListener(rt.Config.DatabaseURL, rt.Config.NotifyChannel, rt.Hub, rt.Cache, rt.Logger)
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.Logger.Warn().Err(err).Msg("bootstrap: close failed")
		}
	}
	rt.closers = nil
}

func (rt *Runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// credentials keeps a nil runner out of the store's interface field so lookups
// without a database resolve to "".
func (rt *Runtime) credentials() *credentials.Store {
	if rt.SQL == nil {
		return credentials.NewStore(nil)
	}
	return credentials.NewStore(rt.SQL)
}

func (rt *Runtime) openDatabase(ctx context.Context) error {
	if strings.TrimSpace(rt.Config.DatabaseURL) == "" {
		rt.Logger.Warn().Msg("bootstrap: DATABASE_URL not set, jobs are kept in memory")
		return nil
	}
	pool, err := infra.NewDBPool(ctx, rt.Config)
	if err != nil {
		return err
	}
	rt.DB = pool
	rt.SQL = infra.NewSQLRunner(pool, rt.Logger)
	rt.Lessons = repo.NewLessonRepository(rt.SQL)
	rt.onClose(func() error { pool.Close(); return nil })
	return nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	memory := jobstore.NewMemoryStore()
	if rt.SQL == nil {
		rt.Store = memory
		return nil
	}
	primary := jobstore.NewPostgresStore(rt.SQL)
	if err := primary.EnsureSchema(ctx); err != nil {
		return err
	}
	rt.Store = jobstore.NewFallbackStore(primary, memory, rt.Logger)
	return nil
}

func (rt *Runtime) openCache(ctx context.Context) error {
	if strings.TrimSpace(rt.Config.RedisURL) == "" {
		rt.Cache = resultcache.NewMemoryCache(rt.Config.Cache.TTL)
		return nil
	}
	client, err := infra.NewRedisClient(ctx, rt.Config.RedisURL)
	if err != nil {
		return err
	}
	rt.onClose(client.Close)
	rt.Cache = resultcache.NewRedisCache(client, resultcache.RedisOptions{
		TTL:    rt.Config.Cache.TTL,
		Logger: &rt.Logger,
	})
	return nil
}

func (rt *Runtime) openNATS(context.Context) error {
	if strings.TrimSpace(rt.Config.NATSURL) == "" {
		return nil
	}
	conn, err := infra.ConnectNATS(rt.Config.NATSURL, rt.Logger)
	if err != nil {
		return err
	}
	rt.nats = conn
	rt.onClose(func() error { return conn.Drain() })
	return nil
}

func (rt *Runtime) openAssets(context.Context) error {
	if rt.nats != nil && strings.TrimSpace(rt.Config.NATSAudioBucket) != "" {
		js, err := rt.nats.JetStream()
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		store, err := objectstore.New(js, rt.Config.NATSAudioBucket, rt.Config.StorageBaseURL)
		if err != nil {
			return err
		}
		rt.Assets = store
		return nil
	}

	storagePath := rt.Config.StoragePath
	if storagePath == "" {
		storagePath = "./storage"
	}
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	store, err := storage.NewFileStore(storagePath, rt.Config.StorageBaseURL)
	if err != nil {
		return err
	}
	rt.Assets = store
	return nil
}

func (rt *Runtime) openNotifier(_ context.Context, opts Options) error {
	sinks := notify.Multi{notify.NewLogNotifier(rt.Logger)}
	if opts.Hub {
		rt.Hub = notify.NewHub(rt.Logger)
		sinks = append(sinks, rt.Hub)
	}
	if rt.nats != nil {
		sinks = append(sinks, notify.NewNATSPublisher(rt.nats, ""))
	}
	if len(rt.Config.KafkaBrokers) > 0 {
		producer, err := infra.NewKafkaProducer(rt.Config.KafkaBrokers)
		if err != nil {
			return err
		}
		publisher := notify.NewKafkaPublisher(producer, rt.Config.KafkaTopic)
		rt.onClose(publisher.Close)
		sinks = append(sinks, publisher)
	}
	if opts.PublishPostgres && rt.Config.NotifyPostgres {
		if rt.SQL == nil {
			rt.Logger.Warn().Msg("bootstrap: NOTIFY_POSTGRES set without a database, skipping")
		} else {
			sinks = append(sinks, notify.NewPGPublisher(rt.SQL, rt.Config.NotifyChannel))
		}
	}
	rt.Notifier = sinks
	return nil
}

func (rt *Runtime) openScripts(ctx context.Context) error {
	creds := rt.credentials()
	cfg := rt.Config
	provider := strings.ToLower(strings.TrimSpace(cfg.ScriptProvider))

	switch provider {
	case "", ScriptProviderGemini:
		key, err := creds.Resolve(ctx, credentials.ProviderGemini, cfg.GeminiAPIKey)
		if err != nil {
			rt.Logger.Warn().Err(err).Msg("bootstrap: failed to load gemini api key from store")
		}
		if key == "" {
			rt.Logger.Warn().Msg("bootstrap: gemini api key missing, narration uses the built-in phrasing")
			rt.Scripts = script.Static{}
			return nil
		}
		client, err := genai.NewClient(genai.Options{
			APIKey:     key,
			BaseURL:    cfg.GeminiBaseURL,
			Model:      cfg.GeminiModel,
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
			Logger:     &rt.Logger,
		})
		if err != nil {
			return err
		}
		rt.Scripts = script.NewGemini(client)
	case ScriptProviderOpenAI:
		key, err := creds.Resolve(ctx, credentials.ProviderOpenAI, cfg.OpenAIAPIKey)
		if err != nil {
			rt.Logger.Warn().Err(err).Msg("bootstrap: failed to load openai api key from store")
		}
		if key == "" {
			rt.Logger.Warn().Msg("bootstrap: openai api key missing, narration uses the built-in phrasing")
			rt.Scripts = script.Static{}
			return nil
		}
		gen, err := script.NewOpenAI(script.OpenAIOptions{
			APIKey:       key,
			Model:        cfg.OpenAIModel,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			OnWarning: func(reason, detail string) {
				rt.Logger.Warn().Str("reason", reason).Str("detail", detail).Msg("bootstrap: openai model adjusted")
			},
		})
		if err != nil {
			return err
		}
		rt.Scripts = gen
	case ScriptProviderStatic:
		rt.Scripts = script.Static{}
	default:
		return fmt.Errorf("unsupported SCRIPT_PROVIDER %q", cfg.ScriptProvider)
	}
	return nil
}

func (rt *Runtime) openSpeech(ctx context.Context) error {
	cfg := rt.Config
	if strings.TrimSpace(cfg.SpeechBaseURL) == "" {
		return nil
	}
	key, err := rt.credentials().Resolve(ctx, credentials.ProviderSpeech, cfg.SpeechAPIKey)
	if err != nil {
		rt.Logger.Warn().Err(err).Msg("bootstrap: failed to load speech api key from store")
	}
	client := speech.NewClient(speech.Options{
		BaseURL:    cfg.SpeechBaseURL,
		APIKey:     key,
		Voice:      cfg.SpeechVoice,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	})
	synth := speech.NewSynthesizer(client, rt.Assets)
	if synth.Configured() {
		rt.Speech = synth
	}
	return nil
}

func (rt *Runtime) openGeoIP(context.Context) error {
	resolver, err := geoip.NewResolver(rt.Config.GeoIPDBPath)
	if err != nil {
		rt.Logger.Warn().Err(err).Msg("bootstrap: geoip disabled")
		return nil
	}
	if resolver == nil {
		return nil
	}
	if c, ok := resolver.(io.Closer); ok {
		rt.onClose(c.Close)
	}
	rt.CountryLookup = resolver.CountryCode
	return nil
}

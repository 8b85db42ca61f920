package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"slidegen/internal/infra"
	"slidegen/internal/infra/credentials"
)

// envKeys names the environment variable read when -key is omitted.
var envKeys = map[string]string{
	credentials.ProviderGemini: "GEMINI_API_KEY",
	credentials.ProviderOpenAI: "OPENAI_API_KEY",
	credentials.ProviderSpeech: "SPEECH_API_KEY",
}

func main() {
	var (
		keyFlag      string
		providerFlag string
		listFlag     bool
		deleteFlag   bool
	)
	flag.StringVar(&keyFlag, "key", "", "API key for the selected provider (fallbacks to environment)")
	flag.StringVar(&providerFlag, "provider", credentials.ProviderGemini, "provider to configure (gemini, openai or speech)")
	flag.BoolVar(&listFlag, "list", false, "list stored keys by provider, showing only their last characters")
	flag.BoolVar(&deleteFlag, "delete", false, "remove the stored key for -provider")
	flag.Parse()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if provider == "" {
		provider = credentials.ProviderGemini
	}
	envKey, ok := envKeys[provider]
	if !ok && !listFlag {
		fail("unsupported provider %q", providerFlag)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fail("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fail("failed to create pool: %v", err)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli", "", "providerkey").With().Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	switch {
	case listFlag:
		infos, err := store.Tokens(ctx)
		if err != nil {
			fail("%v", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROVIDER\tKEY\tUPDATED")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t...%s\t%s\n", info.Provider, info.Suffix, info.UpdatedAt.Format(time.RFC3339))
		}
		_ = tw.Flush()

	case deleteFlag:
		deleted, err := store.DeleteToken(ctx, provider)
		if err != nil {
			fail("%v", err)
		}
		if !deleted {
			fmt.Printf("no %s api key stored\n", provider)
			return
		}
		fmt.Printf("%s api key removed\n", provider)

	default:
		key := strings.TrimSpace(keyFlag)
		if key == "" {
			key = strings.TrimSpace(os.Getenv(envKey))
		}
		if key == "" {
			fail("%s API key is required via -key or %s", strings.ToUpper(provider), envKey)
		}
		changed, err := store.SetToken(ctx, provider, key)
		if err != nil {
			fail("failed to persist %s api key: %v", provider, err)
		}
		if !changed {
			fmt.Printf("%s api key unchanged\n", provider)
			return
		}
		fmt.Printf("%s api key stored\n", provider)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

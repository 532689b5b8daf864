package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	Registry RegistryConfig
	NLP      NLPConfig
	Engine   EngineConfig
	Bridge   BridgeConfig
}

type RegistryConfig struct {
	Path        string
	PostgresDSN string
	Watch       bool
	S3          S3Config
}

type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type NLPConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type EngineConfig struct {
	Workers             int
	CacheSize           int
	CacheTTL            time.Duration
	SimilarityThreshold float64
	MaxTextLen          int
	NegationCues        []string
	UncertaintyCues     []string
	EmphasisCues        []string
}

type BridgeConfig struct {
	Enabled     bool
	GeminiModel string
	GroqModel   string
	GroqAPIKey  string
	Timeout     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8082", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port:     *port,
		Env:      env,
		Registry: loadRegistryConfig(env),
		NLP: NLPConfig{
			Endpoint: strings.TrimSpace(os.Getenv("NLP_ENDPOINT")),
			Timeout:  envDuration("NLP_TIMEOUT", 5*time.Second),
		},
		Engine: EngineConfig{
			Workers:             envInt("ENGINE_WORKERS", 0),
			CacheSize:           envInt("ENGINE_CACHE_SIZE", 1024),
			CacheTTL:            envDuration("ENGINE_CACHE_TTL", 5*time.Minute),
			SimilarityThreshold: envFloat("ENGINE_SIMILARITY_THRESHOLD", 0.6),
			MaxTextLen:          envInt("ENGINE_MAX_TEXT_LEN", 4000),
			NegationCues:        envList("ENGINE_NEGATION_CUES"),
			UncertaintyCues:     envList("ENGINE_UNCERTAINTY_CUES"),
			EmphasisCues:        envList("ENGINE_EMPHASIS_CUES"),
		},
		Bridge: BridgeConfig{
			Enabled:     envBool("BRIDGE_ENABLED", false),
			GeminiModel: firstNonEmpty(strings.TrimSpace(os.Getenv("BRIDGE_GEMINI_MODEL")), "gemini-2.0-flash"),
			GroqModel:   firstNonEmpty(strings.TrimSpace(os.Getenv("BRIDGE_GROQ_MODEL")), "llama-3.3-70b-versatile"),
			GroqAPIKey:  strings.TrimSpace(os.Getenv("GROQ_API_KEY")),
			Timeout:     envDuration("BRIDGE_TIMEOUT", 20*time.Second),
		},
	}, nil
}

func loadRegistryConfig(env string) RegistryConfig {
	return RegistryConfig{
		Path:        firstNonEmpty(strings.TrimSpace(os.Getenv("REGISTRY_PATH")), "./markers"),
		PostgresDSN: strings.TrimSpace(os.Getenv("REGISTRY_PG_DSN")),
		Watch:       envBool("REGISTRY_WATCH", strings.EqualFold(env, "local")),
		S3:          loadS3Config(),
	}
}

func loadS3Config() S3Config {
	endpoint := strings.TrimSpace(os.Getenv("REGISTRY_S3_ENDPOINT"))
	return S3Config{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("REGISTRY_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("REGISTRY_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("REGISTRY_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("REGISTRY_S3_BUCKET")), "marker-schemas"),
		Prefix:    strings.TrimSpace(os.Getenv("REGISTRY_S3_PREFIX")),
		UseSSL:    envBool("REGISTRY_S3_USE_SSL", false),
	}
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return v
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

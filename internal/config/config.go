// Package config loads Sentinel configuration from YAML with env overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all tunable settings for the Sentinel daemon and pipeline.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DBPath      string `yaml:"db_path"`
	DataPath    string `yaml:"data_path"`
	CorpusPath  string `yaml:"corpus_path"`
	CORSOrigins string `yaml:"cors_origins"`

	// Generation backends. Provider is "openai", "anthropic" or "local";
	// the local fallback needs no credentials and is always available.
	GenProvider     string `yaml:"gen_provider"`
	GenModel        string `yaml:"gen_model"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// Embeddings. Empty OpenAI key means the deterministic hash embedder.
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDim   int    `yaml:"embedding_dim"`

	// Retrieval.
	RetrievalK    int `yaml:"retrieval_k"`
	MaxVectorScan int `yaml:"max_vector_scan"`

	// Guardrail starting thresholds. Owned by the self-improvement pass
	// after the first run; these only seed a fresh database.
	SeverityThreshold   float64 `yaml:"severity_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// Self-improvement tunables.
	LearningRate      float64 `yaml:"learning_rate"`
	SevThresholdStep  float64 `yaml:"severity_threshold_step"`
	ConfThresholdStep float64 `yaml:"confidence_threshold_step"`
	FalseAlarmCeiling float64 `yaml:"false_alarm_ceiling"`
	MissCeiling       float64 `yaml:"miss_ceiling"`
	MinWeight         float64 `yaml:"min_weight"`

	// Pipeline policy.
	MaxEvidenceCycles int `yaml:"max_evidence_cycles"`
	WorkerPoolSize    int `yaml:"worker_pool_size"`

	// Dispatch.
	DispatchDryRun  bool   `yaml:"dispatch_dry_run"`
	DispatchChannel string `yaml:"dispatch_channel"`
	SlackBotToken   string `yaml:"slack_bot_token"`
	SlackChannelID  string `yaml:"slack_channel_id"`

	// Optional cron expression for scheduled runs, e.g. "0 6 * * *".
	RunSchedule  string `yaml:"run_schedule"`
	RunBatchSize int    `yaml:"run_batch_size"`
}

// Default returns a Config with every tunable at its documented default.
func Default() Config {
	return Config{
		ListenAddr:          "127.0.0.1:7487",
		DBPath:              "sentinel.db",
		DataPath:            "data/outbreaks.jsonl",
		CorpusPath:          "data/corpus.jsonl",
		CORSOrigins:         "http://localhost:3000",
		GenProvider:         "local",
		EmbeddingDim:        256,
		RetrievalK:          3,
		MaxVectorScan:       500,
		SeverityThreshold:   7.0,
		ConfidenceThreshold: 0.60,
		LearningRate:        0.08,
		SevThresholdStep:    0.1,
		ConfThresholdStep:   0.01,
		FalseAlarmCeiling:   0.30,
		MissCeiling:         0.20,
		MinWeight:           0.05,
		MaxEvidenceCycles:   3,
		WorkerPoolSize:      4,
		DispatchDryRun:      true,
		DispatchChannel:     "log",
		RunBatchSize:        20,
	}
}

// Load reads config.yaml (or CONFIG_PATH) and applies env overrides.
// A missing config file is not an error; defaults apply.
func Load() Config {
	cfg := Default()

	// .env is optional and only fills the process environment.
	_ = godotenv.Load()

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.ListenAddr, "SENTINEL_LISTEN_ADDR")
	envOverride(&cfg.DBPath, "SENTINEL_DB_PATH")
	envOverride(&cfg.DataPath, "SENTINEL_DATA_PATH")
	envOverride(&cfg.CorpusPath, "SENTINEL_CORPUS_PATH")
	envOverride(&cfg.CORSOrigins, "SENTINEL_CORS_ORIGINS")
	envOverride(&cfg.GenProvider, "GEN_PROVIDER")
	envOverride(&cfg.GenModel, "GEN_MODEL")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.EmbeddingModel, "EMBEDDING_MODEL")
	envOverrideInt(&cfg.EmbeddingDim, "EMBEDDING_DIM")
	envOverrideInt(&cfg.RetrievalK, "RETRIEVAL_K")
	envOverrideFloat(&cfg.SeverityThreshold, "SEVERITY_THRESHOLD")
	envOverrideFloat(&cfg.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")
	envOverrideFloat(&cfg.LearningRate, "LEARNING_RATE")
	envOverrideInt(&cfg.MaxEvidenceCycles, "MAX_EVIDENCE_CYCLES")
	envOverrideInt(&cfg.WorkerPoolSize, "WORKER_POOL_SIZE")
	envOverrideBool(&cfg.DispatchDryRun, "DISPATCH_DRY_RUN")
	envOverride(&cfg.DispatchChannel, "DISPATCH_CHANNEL")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.RunSchedule, "RUN_SCHEDULE")
	envOverrideInt(&cfg.RunBatchSize, "RUN_BATCH_SIZE")

	return cfg
}

// Validate rejects configurations the pipeline cannot safely run with.
func (c Config) Validate() error {
	if c.SeverityThreshold < 0 || c.SeverityThreshold > 10 {
		return fmt.Errorf("severity_threshold %v outside [0,10]", c.SeverityThreshold)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if c.MaxEvidenceCycles < 1 {
		return fmt.Errorf("max_evidence_cycles must be at least 1")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1")
	}
	if c.LearningRate <= 0 || c.LearningRate >= 1 {
		return fmt.Errorf("learning_rate %v outside (0,1)", c.LearningRate)
	}
	return nil
}

func envOverride(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envOverrideInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envOverrideFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func envOverrideBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

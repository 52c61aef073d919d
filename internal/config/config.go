package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EngineConfig selects where ASR and LLM inference run and which providers
// serve each side. A split (asr_local != llm_local) forces the hybrid
// two-step execution path.
type EngineConfig struct {
	ASRLocal        bool   `yaml:"asr_local"`
	LLMLocal        bool   `yaml:"llm_local"`
	LocalProviderID string `yaml:"local_provider_id"`
	CloudProviderID string `yaml:"cloud_provider_id"`
	CloudEndpoint   string `yaml:"cloud_endpoint"`
	CloudAPIKeyEnv  string `yaml:"cloud_api_key_env"`
	ASRModel        string `yaml:"asr_model"`
	LLMModel        string `yaml:"llm_model"`
	LLMRewrite      bool   `yaml:"llm_rewrite"`
	OutputLanguage  string `yaml:"output_language"`
}

type PretranscribeConfig struct {
	Enabled          bool    `yaml:"enabled"`
	StepMS           int     `yaml:"step_ms"`
	OverlapMS        int     `yaml:"overlap_ms"`
	MaxChunkMS       int     `yaml:"max_chunk_ms"`
	MinSpeechMS      int     `yaml:"min_speech_ms"`
	EndSilenceMS     int     `yaml:"end_silence_ms"`
	MaxInflight      int     `yaml:"max_inflight"`
	FallbackPolicy   string  `yaml:"fallback_policy"` // none, full_asr_on_high_failure
	FailureThreshold float64 `yaml:"failure_threshold"`
}

type WatchdogConfig struct {
	FirstTokenLocalMS  int `yaml:"first_token_local_ms"`
	FirstTokenRemoteMS int `yaml:"first_token_remote_ms"`
	StallMS            int `yaml:"stall_ms"`
}

type RefineConfig struct {
	Enabled            bool `yaml:"enabled"`
	AutoReplace        bool `yaml:"auto_replace"`
	Trim               bool `yaml:"trim"`
	CollapseWhitespace bool `yaml:"collapse_whitespace"`
	CaseFold           bool `yaml:"case_fold"`
}

type BackendConfig struct {
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
	HealthShortMS  int    `yaml:"health_short_ms"`
	HealthLongMS   int    `yaml:"health_long_ms"`
	HealthPollMS   int    `yaml:"health_poll_ms"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	EnhancementMode string `yaml:"enhancement_mode"` // off, fast, quality
	CaptureCommand  string `yaml:"capture_command"`
}

type Config struct {
	DaemonName    string              `yaml:"daemon_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Engine        EngineConfig        `yaml:"engine"`
	Audio         AudioConfig         `yaml:"audio"`
	Pretranscribe PretranscribeConfig `yaml:"pretranscribe"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Refine        RefineConfig        `yaml:"refine"`
	Backend       BackendConfig       `yaml:"backend"`
	History       HistoryConfig       `yaml:"history"`
}

func Default() Config {
	return Config{
		DaemonName:  "scrybed",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			ASRLocal:        true,
			LLMLocal:        true,
			LocalProviderID: "local",
			CloudProviderID: "cloud",
			CloudEndpoint:   "https://api.scrybe.dev",
			CloudAPIKeyEnv:  "SCRYBE_CLOUD_API_KEY",
			ASRModel:        "whisper-large-v3-turbo",
			LLMModel:        "qwen2.5-7b-instruct",
			LLMRewrite:      true,
			OutputLanguage:  "auto",
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			EnhancementMode: "fast",
			CaptureCommand:  "parec --format=s16le --rate=16000 --channels=1 --raw",
		},
		Pretranscribe: PretranscribeConfig{
			Enabled:          true,
			StepMS:           3000,
			OverlapMS:        600,
			MaxChunkMS:       12000,
			MinSpeechMS:      900,
			EndSilenceMS:     500,
			MaxInflight:      2,
			FallbackPolicy:   "full_asr_on_high_failure",
			FailureThreshold: 0.34,
		},
		Watchdog: WatchdogConfig{
			FirstTokenLocalMS:  30000,
			FirstTokenRemoteMS: 12000,
			StallMS:            8000,
		},
		Refine: RefineConfig{
			Enabled:            false,
			AutoReplace:        true,
			Trim:               true,
			CollapseWhitespace: true,
			CaseFold:           true,
		},
		Backend: BackendConfig{
			Command:        "",
			Endpoint:       "http://127.0.0.1:8753",
			IdleTimeoutSec: 600,
			HealthShortMS:  5000,
			HealthLongMS:   120000,
			HealthPollMS:   250,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "./data/scrybe-history.db",
			RetentionDays: 90,
			MaxRecords:    20000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.DaemonName, "SCRYBE_DAEMON_NAME")
	overrideString(&cfg.Environment, "SCRYBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRYBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRYBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRYBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRYBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRYBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRYBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRYBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRYBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRYBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRYBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRYBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRYBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRYBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRYBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Engine.ASRLocal, "SCRYBE_ENGINE_ASR_LOCAL")
	overrideBool(&cfg.Engine.LLMLocal, "SCRYBE_ENGINE_LLM_LOCAL")
	overrideString(&cfg.Engine.CloudEndpoint, "SCRYBE_ENGINE_CLOUD_ENDPOINT")
	overrideString(&cfg.Engine.CloudAPIKeyEnv, "SCRYBE_ENGINE_CLOUD_API_KEY_ENV")
	overrideString(&cfg.Engine.ASRModel, "SCRYBE_ENGINE_ASR_MODEL")
	overrideString(&cfg.Engine.LLMModel, "SCRYBE_ENGINE_LLM_MODEL")
	overrideBool(&cfg.Engine.LLMRewrite, "SCRYBE_ENGINE_LLM_REWRITE")
	overrideString(&cfg.Engine.OutputLanguage, "SCRYBE_ENGINE_OUTPUT_LANGUAGE")
	overrideBool(&cfg.Pretranscribe.Enabled, "SCRYBE_PRETRANSCRIBE_ENABLED")
	overrideInt(&cfg.Pretranscribe.StepMS, "SCRYBE_PRETRANSCRIBE_STEP_MS")
	overrideInt(&cfg.Pretranscribe.OverlapMS, "SCRYBE_PRETRANSCRIBE_OVERLAP_MS")
	overrideInt(&cfg.Pretranscribe.MaxInflight, "SCRYBE_PRETRANSCRIBE_MAX_INFLIGHT")
	overrideString(&cfg.Pretranscribe.FallbackPolicy, "SCRYBE_PRETRANSCRIBE_FALLBACK_POLICY")
	overrideInt(&cfg.Watchdog.FirstTokenLocalMS, "SCRYBE_WATCHDOG_FIRST_TOKEN_LOCAL_MS")
	overrideInt(&cfg.Watchdog.FirstTokenRemoteMS, "SCRYBE_WATCHDOG_FIRST_TOKEN_REMOTE_MS")
	overrideInt(&cfg.Watchdog.StallMS, "SCRYBE_WATCHDOG_STALL_MS")
	overrideBool(&cfg.Refine.Enabled, "SCRYBE_REFINE_ENABLED")
	overrideBool(&cfg.Refine.AutoReplace, "SCRYBE_REFINE_AUTO_REPLACE")
	overrideString(&cfg.Backend.Command, "SCRYBE_BACKEND_COMMAND")
	overrideString(&cfg.Backend.Endpoint, "SCRYBE_BACKEND_ENDPOINT")
	overrideInt(&cfg.Backend.IdleTimeoutSec, "SCRYBE_BACKEND_IDLE_TIMEOUT_SEC")
	overrideBool(&cfg.History.Enabled, "SCRYBE_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "SCRYBE_HISTORY_PATH")
	overrideInt(&cfg.History.RetentionDays, "SCRYBE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "SCRYBE_HISTORY_MAX_RECORDS")
	overrideBool(&cfg.History.VacuumOnStart, "SCRYBE_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Audio.EnhancementMode, "SCRYBE_AUDIO_ENHANCEMENT_MODE")
	overrideString(&cfg.Audio.CaptureCommand, "SCRYBE_AUDIO_CAPTURE_COMMAND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.DaemonName == "" {
		return errors.New("daemon_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Engine.LocalProviderID == "" && (cfg.Engine.ASRLocal || cfg.Engine.LLMLocal) {
		return errors.New("engine.local_provider_id must be set when a local engine side is selected")
	}
	if cfg.Engine.CloudProviderID == "" && (!cfg.Engine.ASRLocal || !cfg.Engine.LLMLocal) {
		return errors.New("engine.cloud_provider_id must be set when a cloud engine side is selected")
	}
	if (!cfg.Engine.ASRLocal || !cfg.Engine.LLMLocal) && cfg.Engine.CloudEndpoint == "" {
		return errors.New("engine.cloud_endpoint must be set when a cloud engine side is selected")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	switch cfg.Audio.EnhancementMode {
	case "off", "fast", "quality":
	default:
		return errors.New("audio.enhancement_mode must be one of off|fast|quality")
	}
	if cfg.Pretranscribe.Enabled {
		if cfg.Pretranscribe.StepMS <= 0 {
			return errors.New("pretranscribe.step_ms must be positive")
		}
		if cfg.Pretranscribe.OverlapMS < 0 || cfg.Pretranscribe.OverlapMS >= cfg.Pretranscribe.StepMS {
			return errors.New("pretranscribe.overlap_ms must be >= 0 and smaller than step_ms")
		}
		if cfg.Pretranscribe.MaxChunkMS < cfg.Pretranscribe.StepMS {
			return errors.New("pretranscribe.max_chunk_ms must be >= step_ms")
		}
		if cfg.Pretranscribe.MaxInflight <= 0 {
			return errors.New("pretranscribe.max_inflight must be >= 1")
		}
		switch cfg.Pretranscribe.FallbackPolicy {
		case "none", "full_asr_on_high_failure":
		default:
			return errors.New("pretranscribe.fallback_policy must be one of none|full_asr_on_high_failure")
		}
		if cfg.Pretranscribe.FailureThreshold < 0 || cfg.Pretranscribe.FailureThreshold > 1 {
			return errors.New("pretranscribe.failure_threshold must be within [0,1]")
		}
	}
	if cfg.Watchdog.FirstTokenLocalMS <= 0 || cfg.Watchdog.FirstTokenRemoteMS <= 0 {
		return errors.New("watchdog first-token budgets must be positive")
	}
	if cfg.Watchdog.StallMS <= 0 {
		return errors.New("watchdog.stall_ms must be positive")
	}
	if cfg.Backend.Endpoint == "" {
		return errors.New("backend.endpoint must not be empty")
	}
	if cfg.Backend.HealthPollMS <= 0 {
		return errors.New("backend.health_poll_ms must be positive")
	}
	if cfg.Backend.HealthShortMS <= 0 || cfg.Backend.HealthLongMS < cfg.Backend.HealthShortMS {
		return errors.New("backend health budgets must be positive and long >= short")
	}
	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when history is enabled")
		}
		if cfg.History.RetentionDays < 0 {
			return errors.New("history.retention_days must be >= 0")
		}
	}
	return nil
}

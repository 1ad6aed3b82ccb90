package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultEndpoint         = "http://localhost:8080/api/chat"
	defaultHistoryLimit     = 40
	defaultMaxMessageLength = 2000
)

// Config aggregates client, reference server and logging settings.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	AI     AIConfig     `yaml:"ai"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig describes how the chat client reaches the endpoint.
type ClientConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	HistoryLimit     int           `yaml:"history_limit"`
	MaxMessageLength int           `yaml:"max_message_length"`
	RequestTimeout   time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// ServerConfig describes the reference server listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AIConfig describes the model behind the reference server.
type AIConfig struct {
	APIKey       string   `yaml:"api_key"`
	AccessKey    string   `yaml:"access_key"`
	SecretKey    string   `yaml:"secret_key"`
	Model        string   `yaml:"model"`
	BaseURL      string   `yaml:"base_url"`
	Region       string   `yaml:"region"`
	Temperature  *float64 `yaml:"temperature"`
	TopP         *float64 `yaml:"top_p"`
	MaxTokens    *int     `yaml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	temperature := 0.7
	topP := 0.85
	maxTokens := 512
	return &Config{
		Client: ClientConfig{
			Endpoint:         defaultEndpoint,
			HistoryLimit:     defaultHistoryLimit,
			MaxMessageLength: defaultMaxMessageLength,
		},
		Server: ServerConfig{Addr: ":8080"},
		AI: AIConfig{
			BaseURL:     "https://ark.cn-beijing.volces.com/api/v3",
			Region:      "cn-beijing",
			Temperature: &temperature,
			TopP:        &topP,
			MaxTokens:   &maxTokens,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	return applyEnv(Defaults())
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Load()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if raw := strings.TrimSpace(cfg.Client.RequestTimeoutRaw); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid client.request_timeout %q", raw)
		}
		cfg.Client.RequestTimeout = d
	}

	return applyEnv(cfg)
}

func applyEnv(cfg *Config) (*Config, error) {
	client, err := loadClientConfig(cfg.Client)
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(cfg.Server)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(cfg.AI)
	if err != nil {
		return nil, err
	}

	cfg.Client = client
	cfg.Server = server
	cfg.AI = ai
	cfg.Log = LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", cfg.Log.Level),
		Format: getEnvOrDefault("LOG_FORMAT", cfg.Log.Format),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the client unusable.
func (c *Config) Validate() error {
	if c.Client.Endpoint == "" {
		return errors.New("client endpoint is required")
	}
	if c.Client.HistoryLimit < 1 {
		return errors.Errorf("history limit must be positive, got %d", c.Client.HistoryLimit)
	}
	if c.Client.MaxMessageLength < 0 {
		return errors.Errorf("max message length must not be negative, got %d", c.Client.MaxMessageLength)
	}
	if c.Client.RequestTimeout < 0 {
		return errors.Errorf("request timeout must not be negative, got %s", c.Client.RequestTimeout)
	}
	return nil
}

func loadClientConfig(base ClientConfig) (ClientConfig, error) {
	base.Endpoint = getEnvOrDefault("CHAT_ENDPOINT", base.Endpoint)

	limit, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT")
	if err != nil {
		return ClientConfig{}, err
	}
	if limit != nil {
		base.HistoryLimit = *limit
	}

	maxLen, err := parseOptionalIntEnv("CHAT_MAX_MESSAGE_LENGTH")
	if err != nil {
		return ClientConfig{}, err
	}
	if maxLen != nil {
		base.MaxMessageLength = *maxLen
	}

	timeout, err := parseOptionalDurationEnv("CHAT_REQUEST_TIMEOUT")
	if err != nil {
		return ClientConfig{}, err
	}
	if timeout != nil {
		base.RequestTimeout = *timeout
	}

	return base, nil
}

// loadServerConfig resolves the reference server listen address.
func loadServerConfig(base ServerConfig) (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return base, nil
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, errors.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Enabled reports whether model credentials were provided.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates the Ark chat model described by the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_API_KEY and Model, or ARK_ACCESS_KEY and ARK_SECRET_KEY")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(base AIConfig) (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature != nil {
		base.Temperature = temperature
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}
	if topP != nil {
		base.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	if maxTokens != nil {
		base.MaxTokens = maxTokens
	}

	base.APIKey = getEnvOrDefault("ARK_API_KEY", base.APIKey)
	base.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", base.AccessKey)
	base.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", base.SecretKey)
	base.Model = getEnvOrDefault("Model", base.Model)
	base.BaseURL = getEnvOrDefault("ARK_BASE_URL", base.BaseURL)
	base.Region = getEnvOrDefault("ARK_REGION", base.Region)
	base.SystemPrompt = getEnvOrDefault("CHAT_SYSTEM_PROMPT", base.SystemPrompt)

	return base, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func lookupEnv(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	return value, value != ""
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s value %q", key, value)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s value %q", key, value)
	}
	return &val, nil
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return nil, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s value %q", key, value)
	}
	return &val, nil
}

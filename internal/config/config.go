package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creatorchat/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// Бэкенды хранилища состояния клиента.
const (
	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
	StateBackendPebble = "pebble"
)

// StateConfig: где хранить last_selected_room_id.
type StateConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
	Path     string `yaml:"path"`
}

// BackendConfig: внешний REST API маркетплейса.
type BackendConfig struct {
	BaseURL            string        `yaml:"-"`
	Timeout            time.Duration `yaml:"-"`
	RateLimitRPS       float64       `yaml:"-"`
	RateLimitBurst     int           `yaml:"-"`
	BreakerMaxFailures uint32        `yaml:"-"`
	BreakerOpenTimeout time.Duration `yaml:"-"`
}

// RealtimeConfig: pub/sub канал (Pusher-совместимый WebSocket).
type RealtimeConfig struct {
	URL                 string        `yaml:"-"`
	SubscribeTimeout    time.Duration `yaml:"-"`
	WriteTimeout        time.Duration `yaml:"-"`
	PongTimeout         time.Duration `yaml:"-"`
	ReconnectMaxBackoff time.Duration `yaml:"-"`
	MaxMessageSize      int64         `yaml:"-"`
}

// ChatConfig: тайминги набора текста и дозагрузки истории.
type ChatConfig struct {
	TypingIdle     time.Duration `yaml:"-"`
	TypingFailsafe time.Duration `yaml:"-"`
	HistoryLimit   int           `yaml:"-"`
	ReplayLimit    int           `yaml:"-"`
}

// PushConfig: Web Push уведомления о входящих, пока ни один UI не подключён.
type PushConfig struct {
	Enabled   bool   `yaml:"enabled"`
	VAPIDFile string `yaml:"vapid_file"`
	Subject   string `yaml:"subject"`
}

// Config содержит настройки клиента.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	// Пользователь, от имени которого работает клиент
	UserID    int64  `yaml:"-"`
	AuthToken string `yaml:"-"`

	Backend  BackendConfig  `yaml:"-"`
	Realtime RealtimeConfig `yaml:"-"`
	Chat     ChatConfig     `yaml:"-"`
	State    StateConfig    `yaml:"-"`
	Push     PushConfig     `yaml:"-"`

	// Локальная панель управления (HTTP + WebSocket для UI)
	ControlAddr        string `yaml:"-"`
	ControlSecret      string `yaml:"-"`
	CORSAllowedOrigins string `yaml:"-"`
	MaxViewConnections int    `yaml:"-"`

	// Логирование и трассировка
	LogLevel     string `yaml:"-"`
	OTLPEndpoint string `yaml:"-"`
	ServiceName  string `yaml:"-"`
}

// yamlConfig: промежуточная структура для парсинга YAML. Таймауты: в миллисекундах/секундах, как подписано.
type yamlConfig struct {
	APIBaseURL            string      `yaml:"api_base_url"`
	HTTPTimeout           int         `yaml:"http_timeout"`
	RateLimitRPS          float64     `yaml:"rate_limit_rps"`
	RateLimitBurst        int         `yaml:"rate_limit_burst"`
	BreakerMaxFailures    int         `yaml:"breaker_max_failures"`
	BreakerOpenTimeout    int         `yaml:"breaker_open_timeout"`
	RealtimeURL           string      `yaml:"realtime_url"`
	SubscribeTimeout      int         `yaml:"subscribe_timeout"`
	WSWriteTimeout        int         `yaml:"ws_write_timeout"`
	WSPongTimeout         int         `yaml:"ws_pong_timeout"`
	WSMaxMessageSize      int         `yaml:"ws_max_message_size"`
	ReconnectMaxBackoff   int         `yaml:"reconnect_max_backoff"`
	TypingIdleMS          int         `yaml:"typing_idle_ms"`
	TypingFailsafeMS      int         `yaml:"typing_failsafe_ms"`
	HistoryLimit          int         `yaml:"history_limit"`
	ReplayLimit           int         `yaml:"replay_limit"`
	State                 StateConfig `yaml:"state"`
	Push                  PushConfig  `yaml:"push"`
	ControlAddr           string      `yaml:"control_addr"`
	CORSAllowedOrigins    string      `yaml:"cors_allowed_origins"`
	MaxViewConnections    int         `yaml:"max_view_connections"`
	LogLevel              string      `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		APIBaseURL:          "http://localhost:8000",
		HTTPTimeout:         15,
		RateLimitRPS:        10,
		RateLimitBurst:      20,
		BreakerMaxFailures:  5,
		BreakerOpenTimeout:  30,
		RealtimeURL:         "ws://localhost:6001/app/creatorchat?protocol=7",
		SubscribeTimeout:    10,
		WSWriteTimeout:      10,
		WSPongTimeout:       60,
		WSMaxMessageSize:    65536,
		ReconnectMaxBackoff: 30,
		TypingIdleMS:        2000,
		TypingFailsafeMS:    3000,
		HistoryLimit:        50,
		ReplayLimit:         100,
		State:               StateConfig{Backend: StateBackendMemory, Path: "./.chatd-state"},
		Push:                PushConfig{VAPIDFile: "./.chatd-vapid.json", Subject: "mailto:support@creatorchat.local"},
		ControlAddr:         "127.0.0.1:7788",
		CORSAllowedOrigins:  "*",
		MaxViewConnections:  64,
		LogLevel:            "info",
	}
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() *Config {
	loadEnv()
	yc := defaults()

	// Загрузка конфигурации: CONFIG_PATH → config/chatd.yaml
	paths := []string{os.Getenv("CONFIG_PATH"), "config/chatd.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := parseYAML(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}
	return fromYAML(yc)
}

// parseYAML накладывает YAML поверх уже заполненных значений; при ошибке yc не меняется.
func parseYAML(data []byte, yc *yamlConfig) error {
	tmp := *yc
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*yc = tmp
	return nil
}

// fromYAML применяет переменные окружения поверх yc и собирает итоговый Config.
func fromYAML(yc yamlConfig) *Config {
	state := StateConfig{
		Backend:  strings.ToLower(envStr("STATE_BACKEND", yc.State.Backend)),
		RedisURL: envStr("REDIS_URL", yc.State.RedisURL),
		Path:     envStr("STATE_PATH", yc.State.Path),
	}
	if state.Backend == StateBackendRedis && state.RedisURL == "" {
		state.RedisURL = "redis://localhost:6379"
	}

	historyLimit := envInt("HISTORY_LIMIT", yc.HistoryLimit)
	if historyLimit <= 0 {
		historyLimit = 50
	}
	replayLimit := envInt("REPLAY_LIMIT", yc.ReplayLimit)
	if replayLimit <= 0 {
		replayLimit = 100
	}
	breakerFailures := envInt("BREAKER_MAX_FAILURES", yc.BreakerMaxFailures)
	if breakerFailures <= 0 {
		breakerFailures = 5
	}

	return &Config{
		UserID:    envInt64("CHAT_USER_ID", 0),
		AuthToken: envStr("CHAT_AUTH_TOKEN", ""),
		Backend: BackendConfig{
			BaseURL:            strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
			Timeout:            time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeout)) * time.Second,
			RateLimitRPS:       envFloat("RATE_LIMIT_RPS", yc.RateLimitRPS),
			RateLimitBurst:     envInt("RATE_LIMIT_BURST", yc.RateLimitBurst),
			BreakerMaxFailures: uint32(breakerFailures),
			BreakerOpenTimeout: time.Duration(envInt("BREAKER_OPEN_TIMEOUT", yc.BreakerOpenTimeout)) * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:                 envStr("REALTIME_URL", yc.RealtimeURL),
			SubscribeTimeout:    time.Duration(envInt("SUBSCRIBE_TIMEOUT", yc.SubscribeTimeout)) * time.Second,
			WriteTimeout:        time.Duration(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout)) * time.Second,
			PongTimeout:         time.Duration(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout)) * time.Second,
			ReconnectMaxBackoff: time.Duration(envInt("RECONNECT_MAX_BACKOFF", yc.ReconnectMaxBackoff)) * time.Second,
			MaxMessageSize:      int64(envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize)),
		},
		Chat: ChatConfig{
			TypingIdle:     time.Duration(envInt("TYPING_IDLE_MS", yc.TypingIdleMS)) * time.Millisecond,
			TypingFailsafe: time.Duration(envInt("TYPING_FAILSAFE_MS", yc.TypingFailsafeMS)) * time.Millisecond,
			HistoryLimit:   historyLimit,
			ReplayLimit:    replayLimit,
		},
		State:              state,
		Push: PushConfig{
			Enabled:   envBool("PUSH_ENABLED", yc.Push.Enabled),
			VAPIDFile: envStr("VAPID_KEYS_FILE", yc.Push.VAPIDFile),
			Subject:   envStr("VAPID_SUBJECT", yc.Push.Subject),
		},
		ControlAddr:        envStr("CONTROL_ADDR", yc.ControlAddr),
		ControlSecret:      envStr("CONTROL_SECRET", ""),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		MaxViewConnections: envInt("MAX_VIEW_CONNECTIONS", yc.MaxViewConnections),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
		OTLPEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "chatd"),
	}
}

// Validate проверяет то, без чего клиент не может работать.
func (c *Config) Validate() error {
	var errs []error
	if c.UserID <= 0 {
		errs = append(errs, errors.New("CHAT_USER_ID is required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if c.Realtime.URL == "" {
		errs = append(errs, errors.New("REALTIME_URL is required"))
	}
	switch c.State.Backend {
	case StateBackendMemory, StateBackendRedis, StateBackendPebble:
	default:
		errs = append(errs, fmt.Errorf("unknown STATE_BACKEND %q", c.State.Backend))
	}
	if c.Push.Enabled && c.Push.VAPIDFile == "" {
		errs = append(errs, errors.New("VAPID_KEYS_FILE is required when push is enabled"))
	}
	if c.Chat.TypingIdle <= 0 || c.Chat.TypingFailsafe <= 0 {
		errs = append(errs, errors.New("typing timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

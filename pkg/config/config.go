// Package config загружает настройки демона callctl из INI-файла.
//
// Простые секции ([engine], [logging], [metrics], [trace], [console])
// переопределяются переменными окружения с префиксом CALLCTL_, например
// CALLCTL_ENGINE_TICK_INTERVAL=500ms. Секции [controller.<id>] и
// [connection.<name>] задаются только в файле.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/arzzra/callctl/pkg/callctl"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "CALLCTL_"

const (
	controllerPrefix = "controller."
	connectionPrefix = "connection."
)

// EngineSection секция [engine]
type EngineSection struct {
	MailboxSize  int           `ini:"mailbox_size" env:"MAILBOX_SIZE"`
	TickInterval time.Duration `ini:"tick_interval" env:"TICK_INTERVAL"`
	StartStopped bool          `ini:"start_stopped" env:"START_STOPPED"`
}

// LoggingSection секция [logging]
type LoggingSection struct {
	Level      string `ini:"level" env:"LEVEL"`
	File       string `ini:"file" env:"FILE"`
	FileLevel  string `ini:"file_level" env:"FILE_LEVEL"`
	MaxSizeMB  int    `ini:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `ini:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `ini:"max_age_days" env:"MAX_AGE_DAYS"`
	JSON       bool   `ini:"json" env:"JSON"`
}

// MetricsSection секция [metrics]
type MetricsSection struct {
	Enabled   bool   `ini:"enabled" env:"ENABLED"`
	Listen    string `ini:"listen" env:"LISTEN"`
	Path      string `ini:"path" env:"PATH"`
	Namespace string `ini:"namespace" env:"NAMESPACE"`
	Subsystem string `ini:"subsystem" env:"SUBSYSTEM"`
}

// TraceSection секция [trace]
type TraceSection struct {
	Enabled bool   `ini:"enabled" env:"ENABLED"`
	File    string `ini:"file" env:"FILE"`
}

// ConsoleSection секция [console]
type ConsoleSection struct {
	Enabled     bool   `ini:"enabled" env:"ENABLED"`
	Prompt      string `ini:"prompt" env:"PROMPT"`
	HistoryFile string `ini:"history_file" env:"HISTORY_FILE"`
}

// ControllerSection секция [controller.<id>]
type ControllerSection struct {
	ID       string
	Driver   string
	Channels int
	Caps     callctl.Capability
	MSNs     []string

	// Answer шаблоны номеров, на которые симулятор отвечает сам
	Answer []string
	Echo   bool

	// Disabled каналы, выключенные при старте
	Disabled []int
}

// ConnectionSection секция [connection.<name>]
type ConnectionSection struct {
	Name   string
	Config callctl.ConnectionConfig

	// Receiver куда отдавать принятые данные: log, echo, discard
	Receiver string
}

// Config настройки демона
type Config struct {
	Engine  EngineSection
	Logging LoggingSection
	Metrics MetricsSection
	Trace   TraceSection
	Console ConsoleSection

	Controllers []ControllerSection
	Connections []ConnectionSection
}

// Default настройки по умолчанию
func Default() *Config {
	eng := callctl.DefaultEngineConfig()
	return &Config{
		Engine: EngineSection{
			MailboxSize:  eng.MailboxSize,
			TickInterval: eng.TickInterval,
		},
		Logging: LoggingSection{
			Level:      "info",
			FileLevel:  "debug",
			MaxSizeMB:  100,
			MaxBackups: 1,
		},
		Metrics: MetricsSection{
			Listen:    ":9108",
			Path:      "/metrics",
			Namespace: "callctl",
			Subsystem: "engine",
		},
		Trace: TraceSection{
			File: "callctl.trace",
		},
		Console: ConsoleSection{
			Enabled: true,
			Prompt:  "callctl> ",
		},
	}
}

// LoadEnv загружает переменные из файла ENV_FILE или .env.
// Отсутствующий .env не ошибка.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile != "" {
		return godotenv.Load(envfile)
	}
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load читает файл path и применяет переменные окружения
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fromFile(f)
}

// Parse разбирает INI из памяти и применяет переменные окружения
func Parse(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	cfg := Default()

	sections := []struct {
		name string
		dst  any
	}{
		{"engine", &cfg.Engine},
		{"logging", &cfg.Logging},
		{"metrics", &cfg.Metrics},
		{"trace", &cfg.Trace},
		{"console", &cfg.Console},
	}
	for _, s := range sections {
		if sec, err := f.GetSection(s.name); err == nil {
			if err := sec.MapTo(s.dst); err != nil {
				return nil, fmt.Errorf("[%s]: %w", s.name, err)
			}
		}
		opts := env.Options{Prefix: EnvPrefix + strings.ToUpper(s.name) + "_"}
		if err := env.ParseWithOptions(s.dst, opts); err != nil {
			return nil, fmt.Errorf("env %s: %w", opts.Prefix, err)
		}
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		if id, ok := strings.CutPrefix(name, controllerPrefix); ok {
			ctrl, err := parseController(id, sec)
			if err != nil {
				return nil, err
			}
			cfg.Controllers = append(cfg.Controllers, ctrl)
			continue
		}
		if cname, ok := strings.CutPrefix(name, connectionPrefix); ok {
			conn, err := parseConnection(cname, sec)
			if err != nil {
				return nil, err
			}
			cfg.Connections = append(cfg.Connections, conn)
		}
	}
	sort.Slice(cfg.Controllers, func(i, j int) bool { return cfg.Controllers[i].ID < cfg.Controllers[j].ID })
	sort.Slice(cfg.Connections, func(i, j int) bool { return cfg.Connections[i].Name < cfg.Connections[j].Name })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseController(id string, sec *ini.Section) (ControllerSection, error) {
	ctrl := ControllerSection{
		ID:     id,
		Driver: sec.Key("driver").MustString("loopback"),
		MSNs:   sec.Key("msns").Strings(","),
		Answer: sec.Key("answer").Strings(","),
	}
	var err error
	if ctrl.Channels, err = intKey(sec, "channels", 2); err != nil {
		return ctrl, err
	}
	if ctrl.Echo, err = boolKey(sec, "echo", false); err != nil {
		return ctrl, err
	}
	if sec.HasKey("caps") {
		ctrl.Caps, err = callctl.ParseCapabilities(sec.Key("caps").Strings(","))
		if err != nil {
			return ctrl, keyError(sec, "caps", err)
		}
	} else {
		ctrl.Caps = callctl.AllCapabilities()
	}
	if sec.HasKey("disabled") {
		ctrl.Disabled = sec.Key("disabled").Ints(",")
	}
	return ctrl, nil
}

func parseConnection(name string, sec *ini.Section) (ConnectionSection, error) {
	cfg := callctl.DefaultConnectionConfig()
	conn := ConnectionSection{
		Name:     name,
		Receiver: sec.Key("receiver").MustString("log"),
	}

	cfg.LocalNumber = sec.Key("local_number").String()
	cfg.Numbers = sec.Key("numbers").Strings(",")
	cfg.Incoming = sec.Key("incoming").Strings(",")

	var err error
	if sec.HasKey("l2") {
		if cfg.Protocol.L2, err = callctl.ParseL2(sec.Key("l2").String()); err != nil {
			return conn, keyError(sec, "l2", err)
		}
	}
	if sec.HasKey("l3") {
		if cfg.Protocol.L3, err = callctl.ParseL3(sec.Key("l3").String()); err != nil {
			return conn, keyError(sec, "l3", err)
		}
	}
	if cfg.Callback, err = callctl.ParseCallbackPolicy(sec.Key("callback").String()); err != nil {
		return conn, keyError(sec, "callback", err)
	}
	if cfg.DialMode, err = callctl.ParseDialMode(sec.Key("dial_mode").String()); err != nil {
		return conn, keyError(sec, "dial_mode", err)
	}
	if sec.HasKey("exclusive") {
		ref, err := callctl.ParseChannelRef(sec.Key("exclusive").String())
		if err != nil {
			return conn, keyError(sec, "exclusive", err)
		}
		cfg.Exclusive = &ref
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"callback_delay", &cfg.CallbackDelay},
		{"dial_timeout", &cfg.DialTimeout},
		{"incoming_timeout", &cfg.IncomingTimeout},
		{"onhook_time", &cfg.OnHookTime},
		{"backoff_initial", &cfg.Backoff.InitialDelay},
		{"backoff_max", &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if *d.dst, err = durationKey(sec, d.key, *d.dst); err != nil {
			return conn, err
		}
	}

	if cfg.DialMax, err = intKey(sec, "dial_max", cfg.DialMax); err != nil {
		return conn, err
	}
	if cfg.MaxChannels, err = intKey(sec, "max_channels", cfg.MaxChannels); err != nil {
		return conn, err
	}
	if cfg.Backoff.Multiplier, err = floatKey(sec, "backoff_multiplier", cfg.Backoff.Multiplier); err != nil {
		return conn, err
	}
	if cfg.Backoff.JitterFactor, err = floatKey(sec, "backoff_jitter", cfg.Backoff.JitterFactor); err != nil {
		return conn, err
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"charge_hangup", &cfg.ChargeHangup},
		{"in_hangup", &cfg.InHangup},
		{"secure", &cfg.Secure},
	}
	for _, fl := range flags {
		if *fl.dst, err = boolKey(sec, fl.key, *fl.dst); err != nil {
			return conn, err
		}
	}

	conn.Config = cfg
	return conn, nil
}

// Validate проверяет согласованность секций
func (c *Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("[engine] tick_interval: %w", callctl.ErrInvalidConfig)
	}
	if c.Engine.MailboxSize <= 0 {
		return fmt.Errorf("[engine] mailbox_size: %w", callctl.ErrInvalidConfig)
	}
	for _, lvl := range []string{c.Logging.Level, c.Logging.FileLevel} {
		if _, err := logrus.ParseLevel(lvl); err != nil {
			return fmt.Errorf("[logging]: %w", err)
		}
	}
	if c.Trace.Enabled && c.Trace.File == "" {
		return fmt.Errorf("[trace] file: %w", callctl.ErrInvalidConfig)
	}

	channels := make(map[string]int, len(c.Controllers))
	for _, ctrl := range c.Controllers {
		if ctrl.Driver != "loopback" {
			return fmt.Errorf("[controller.%s] driver %q: %w", ctrl.ID, ctrl.Driver, callctl.ErrInvalidConfig)
		}
		if ctrl.Channels <= 0 {
			return fmt.Errorf("[controller.%s] channels: %w", ctrl.ID, callctl.ErrInvalidConfig)
		}
		for _, ch := range ctrl.Disabled {
			if ch < 0 || ch >= ctrl.Channels {
				return fmt.Errorf("[controller.%s] disabled %d: %w", ctrl.ID, ch, callctl.ErrInvalidConfig)
			}
		}
		channels[ctrl.ID] = ctrl.Channels
	}
	for _, conn := range c.Connections {
		if err := conn.Config.Validate(); err != nil {
			return fmt.Errorf("[connection.%s]: %w", conn.Name, err)
		}
		switch conn.Receiver {
		case "log", "echo", "discard":
		default:
			return fmt.Errorf("[connection.%s] receiver %q: %w", conn.Name, conn.Receiver, callctl.ErrInvalidConfig)
		}
		if ex := conn.Config.Exclusive; ex != nil {
			n, ok := channels[ex.Controller]
			if !ok || ex.Channel >= n {
				return fmt.Errorf("[connection.%s] exclusive %s: %w", conn.Name, ex, callctl.ErrUnknownController)
			}
		}
	}
	return nil
}

// EngineConfig конфигурация движка без логгера, метрик и трассировки
func (c *Config) EngineConfig() *callctl.EngineConfig {
	eng := callctl.DefaultEngineConfig()
	eng.MailboxSize = c.Engine.MailboxSize
	eng.TickInterval = c.Engine.TickInterval
	eng.StartStopped = c.Engine.StartStopped
	return eng
}

func keyError(sec *ini.Section, key string, err error) error {
	return fmt.Errorf("[%s] %s: %w", sec.Name(), key, err)
}

func durationKey(sec *ini.Section, key string, def time.Duration) (time.Duration, error) {
	if !sec.HasKey(key) {
		return def, nil
	}
	d, err := sec.Key(key).Duration()
	if err != nil {
		return 0, keyError(sec, key, err)
	}
	return d, nil
}

func intKey(sec *ini.Section, key string, def int) (int, error) {
	if !sec.HasKey(key) {
		return def, nil
	}
	v, err := sec.Key(key).Int()
	if err != nil {
		return 0, keyError(sec, key, err)
	}
	return v, nil
}

func floatKey(sec *ini.Section, key string, def float64) (float64, error) {
	if !sec.HasKey(key) {
		return def, nil
	}
	v, err := sec.Key(key).Float64()
	if err != nil {
		return 0, keyError(sec, key, err)
	}
	return v, nil
}

func boolKey(sec *ini.Section, key string, def bool) (bool, error) {
	if !sec.HasKey(key) {
		return def, nil
	}
	v, err := sec.Key(key).Bool()
	if err != nil {
		return false, keyError(sec, key, err)
	}
	return v, nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pepeunit/internal/observability"
)

// EnvPrefix is prepended to every environment override, e.g. PEPEUNIT_BACKEND_DOMAIN.
const EnvPrefix = "PEPEUNIT"

type MQTTSettings struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Settings is the runtime configuration of a pepeunit backend instance.
type Settings struct {
	BackendDomain      string                  `mapstructure:"backend_domain" yaml:"backend_domain"`
	SecretKey          string                  `mapstructure:"secret_key" yaml:"secret_key"`
	BotSecret          string                  `mapstructure:"bot_secret" yaml:"bot_secret"`
	UserTokenTTL       time.Duration           `mapstructure:"user_token_ttl" yaml:"user_token_ttl"`
	UnitTokenTTL       time.Duration           `mapstructure:"unit_token_ttl" yaml:"unit_token_ttl"`
	MQTTMaxPayloadSize int                     `mapstructure:"mqtt_max_payload_size" yaml:"mqtt_max_payload_size"` // KiB
	MQTT               MQTTSettings            `mapstructure:"mqtt" yaml:"mqtt"`
	HTTP               HTTPSettings            `mapstructure:"http" yaml:"http"`
	Workspace          string                  `mapstructure:"workspace" yaml:"workspace"`
	Log                observability.LogConfig `mapstructure:"log" yaml:"log"`
	MetricsCacheTTL    time.Duration           `mapstructure:"metrics_cache_ttl" yaml:"metrics_cache_ttl"`
}

// Default returns settings with every optional field filled in.
func Default() *Settings {
	return &Settings{
		BackendDomain:      "localhost",
		UserTokenTTL:       24 * time.Hour,
		MQTTMaxPayloadSize: 256,
		MQTT: MQTTSettings{
			Broker:   "tcp://localhost:1883",
			ClientID: "pepeunit-backend",
			QoS:      1,
		},
		HTTP:            HTTPSettings{Addr: ":8080"},
		Workspace:       ".",
		Log:             observability.LogConfig{Level: "info", Format: "json"},
		MetricsCacheTTL: 30 * time.Second,
	}
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend_domain", d.BackendDomain)
	v.SetDefault("secret_key", d.SecretKey)
	v.SetDefault("bot_secret", d.BotSecret)
	v.SetDefault("user_token_ttl", d.UserTokenTTL)
	v.SetDefault("unit_token_ttl", d.UnitTokenTTL)
	v.SetDefault("mqtt_max_payload_size", d.MQTTMaxPayloadSize)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("workspace", d.Workspace)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics_cache_ttl", d.MetricsCacheTTL)
}

// Load reads settings from v: defaults, then the optional file, then
// PEPEUNIT_* environment variables and any flags already bound to v.
func Load(v *viper.Viper, file string) (*Settings, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromYAML parses and validates settings from raw YAML bytes. Absent keys keep
// their defaults.
func FromYAML(data []byte) (*Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromFile reads YAML settings from the given path.
func FromFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate returns the first violated rule.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.BackendDomain) == "" {
		return fmt.Errorf("config.backend_domain is required")
	}
	if strings.ContainsAny(s.BackendDomain, "/+#") {
		return fmt.Errorf("config.backend_domain %q must not contain topic separators or wildcards", s.BackendDomain)
	}
	if s.SecretKey == "" {
		return fmt.Errorf("config.secret_key is required")
	}
	if s.UserTokenTTL <= 0 {
		return fmt.Errorf("config.user_token_ttl must be positive")
	}
	if s.UnitTokenTTL < 0 {
		return fmt.Errorf("config.unit_token_ttl must not be negative")
	}
	if s.MQTTMaxPayloadSize <= 0 {
		return fmt.Errorf("config.mqtt_max_payload_size must be positive")
	}
	if s.MQTT.QoS > 2 {
		return fmt.Errorf("config.mqtt.qos must be 0, 1 or 2")
	}
	if s.HTTP.Addr == "" {
		return fmt.Errorf("config.http.addr is required")
	}
	if s.Log.Level != "" {
		if _, err := logrus.ParseLevel(s.Log.Level); err != nil {
			return fmt.Errorf("config.log.level: %w", err)
		}
	}
	switch s.Log.Format {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config.log.format %q must be json or pretty", s.Log.Format)
	}
	if s.MetricsCacheTTL < 0 {
		return fmt.Errorf("config.metrics_cache_ttl must not be negative")
	}
	return nil
}

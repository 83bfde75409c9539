package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server
	Database Database
	JWT      JWT
	Log      Log
	Limits   Limits
	Relay    Relay
	Client   Client
}

type Server struct {
	Addr           string
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Database struct {
	Path string
}

type JWT struct {
	Secret     string
	TTL        time.Duration
	Algorithms []string
}

type Log struct {
	Level  string
	Format string
}

// Limits are the ceilings applied to an outgoing message before it reaches the network.
type Limits struct {
	MaxCiphertextBytes int `mapstructure:"max_ciphertext_bytes"`
	MaxRequestBytes    int `mapstructure:"max_request_bytes"`
}

type Relay struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
}

type Client struct {
	ServerURL   string        `mapstructure:"server_url"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	KeyFile     string        `mapstructure:"key_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.path", "./courier.db")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", 24*time.Hour)
	v.SetDefault("jwt.algorithms", []string{"HS256"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("limits.max_ciphertext_bytes", 64<<10)
	v.SetDefault("limits.max_request_bytes", 192<<10)
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.write_timeout", 10*time.Second)
	v.SetDefault("relay.pong_timeout", 60*time.Second)
	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.send_timeout", 15*time.Second)
	v.SetDefault("client.key_file", "courier-identity.json")
}

// LoadConfig reads the named YAML file (if present) layered over defaults and COURIER_* env vars.
// An empty filename skips the file.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("courier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename == "" {
		return v, nil
	}

	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, c.validate()
}

// Load is LoadConfig followed by ParseConfig.
func Load(filename string) (*Config, error) {
	v, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(v)
}

func (c *Config) validate() error {
	if c.Limits.MaxCiphertextBytes <= 0 || c.Limits.MaxRequestBytes <= 0 {
		return errors.New("limits must be positive")
	}
	if c.Limits.MaxRequestBytes < c.Limits.MaxCiphertextBytes {
		return errors.New("limits.max_request_bytes must be at least limits.max_ciphertext_bytes")
	}
	if len(c.JWT.Algorithms) == 0 {
		return errors.New("jwt.algorithms must not be empty")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/xraph/herald"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HERALD"

// Load reads configuration from path, when non-empty, and from the
// environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override
// it even when the file does not mention it.
func setDefaults(v *viper.Viper) {
	def := herald.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("server.workers", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.ownership_query", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "herald")
	v.SetDefault("auth.token_lifetime", "1h")

	v.SetDefault("engine.node_id", "")
	v.SetDefault("engine.poll_interval", def.PollInterval)
	v.SetDefault("engine.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("engine.reaper_interval", def.ReaperInterval)
	v.SetDefault("engine.cancel_poll_interval", def.CancelPollInterval)
	v.SetDefault("engine.dead_letter_retention", def.DeadLetterRetention)
	v.SetDefault("engine.publish_attempts", def.PublishAttempts)
	v.SetDefault("engine.publish_timeout", def.PublishTimeout)
	v.SetDefault("engine.progress_buffer", def.ProgressBuffer)
}

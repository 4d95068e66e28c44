package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	SchedAddr     string `env:"SCHED_ADDR" envDefault:":8081"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	InstanceID    string `env:"INSTANCE_ID"`
	// EventsAllowedOrigins lists browser origins, besides the serving host,
	// that may open the event stream.
	EventsAllowedOrigins []string `env:"EVENTS_ALLOWED_ORIGINS"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	// RetrySchedule is a step table of delays per attempt. With
	// RetryExponential set the delay is RetryInitial doubled per attempt
	// instead. Both are capped at RetryMax.
	RetrySchedule    []time.Duration `env:"RETRY_SCHEDULE" envDefault:"1m,5m,15m,1h,4h"`
	RetryExponential bool            `env:"RETRY_EXPONENTIAL"`
	RetryInitial     time.Duration   `env:"RETRY_INITIAL" envDefault:"60s"`
	RetryMax         time.Duration   `env:"RETRY_MAX" envDefault:"4h"`

	GlobalRateLimit        int           `env:"GLOBAL_RATE_LIMIT" envDefault:"100"`
	GlobalRateWindow       time.Duration `env:"GLOBAL_RATE_WINDOW" envDefault:"60s"`
	RecipientRateLimit     int           `env:"RECIPIENT_RATE_LIMIT" envDefault:"5"`
	RecipientRateWindow    time.Duration `env:"RECIPIENT_RATE_WINDOW" envDefault:"1h"`
	RecipientLimitedEvents []string      `env:"RECIPIENT_LIMITED_EVENTS" envDefault:"invoice_request"`
	DedupWindow            time.Duration `env:"DEDUP_WINDOW" envDefault:"10m"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL" envDefault:"15s"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	CompletedMaxAge time.Duration `env:"COMPLETED_MAX_AGE" envDefault:"24h"`
	CompletedKeep   int           `env:"COMPLETED_KEEP" envDefault:"1000"`
	DeadMaxAge      time.Duration `env:"DEAD_MAX_AGE" envDefault:"168h"`
	DeadKeep        int           `env:"DEAD_KEEP" envDefault:"5000"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	HealthInterval       time.Duration `env:"HEALTH_INTERVAL" envDefault:"5s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"shop@localhost"`
}

// Defaults returns the documented default of every setting.
func Defaults() Config {
	var d Config
	// Only the notEmpty keys fail against an empty environment; every other
	// field still receives its envDefault.
	_ = env.ParseWithOptions(&d, env.Options{Environment: map[string]string{}})
	return d
}

// Load reads the process environment. Invalid values fall back to their
// defaults with a warning; missing required values are an error.
func Load(log *zap.Logger) (Config, error) {
	return load(env.Options{}, log)
}

// LoadFrom is Load over an explicit environment.
func LoadFrom(environ map[string]string, log *zap.Logger) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return load(env.Options{Environment: environ}, log)
}

func load(opts env.Options, log *zap.Logger) (Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		var agg env.AggregateError
		if !errors.As(err, &agg) {
			return c, fmt.Errorf("parse config: %w", err)
		}
		var fatal []error
		for _, e := range agg.Errors {
			var pe env.ParseError
			if errors.As(e, &pe) {
				log.Warn("invalid config value, using default", zap.String("field", pe.Name), zap.Error(pe.Err))
				c.resetField(pe.Name)
				continue
			}
			fatal = append(fatal, e)
		}
		if len(fatal) > 0 {
			return c, fmt.Errorf("parse config: %w", errors.Join(fatal...))
		}
	}
	c.normalize(log)
	return c, nil
}

func (c *Config) resetField(name string) {
	dst := reflect.ValueOf(c).Elem().FieldByName(name)
	src := reflect.ValueOf(Defaults()).FieldByName(name)
	if dst.IsValid() && src.IsValid() && dst.CanSet() {
		dst.Set(src)
	}
}

// normalize replaces out-of-range values with their defaults.
func (c *Config) normalize(log *zap.Logger) {
	d := Defaults()
	fix := func(name string, bad bool) {
		if bad {
			log.Warn("config value out of range, using default", zap.String("field", name))
			c.resetField(name)
		}
	}

	fix("WorkerConcurrency", c.WorkerConcurrency <= 0)
	fix("JobTimeout", c.JobTimeout <= 0)
	fix("MaxAttempts", c.MaxAttempts <= 0)
	fix("RetryInitial", c.RetryInitial <= 0)
	fix("RetrySchedule", !nonDecreasing(c.RetrySchedule))
	fix("GlobalRateLimit", c.GlobalRateLimit <= 0)
	fix("GlobalRateWindow", c.GlobalRateWindow <= 0)
	fix("RecipientRateLimit", c.RecipientRateLimit <= 0)
	fix("RecipientRateWindow", c.RecipientRateWindow <= 0)
	fix("DedupWindow", c.DedupWindow <= 0)
	fix("PollInterval", c.PollInterval <= 0)
	fix("HeartbeatInterval", c.HeartbeatInterval <= 0)
	fix("ReapInterval", c.ReapInterval <= 0)
	fix("SweepInterval", c.SweepInterval <= 0)
	fix("CompletedMaxAge", c.CompletedMaxAge <= 0)
	fix("CompletedKeep", c.CompletedKeep <= 0)
	fix("DeadKeep", c.DeadKeep <= 0)
	fix("ReconnectBaseDelay", c.ReconnectBaseDelay <= 0)
	fix("ReconnectMaxAttempts", c.ReconnectMaxAttempts <= 0)
	fix("HealthInterval", c.HealthInterval <= 0)
	fix("ShutdownTimeout", c.ShutdownTimeout <= 0)
	fix("SMTPPort", c.SMTPPort <= 0 || c.SMTPPort > 65535)

	// Settings bounded by another one fall back to the default or to the
	// bound, whichever is larger, so the fallback itself stays in range.
	bounded := func(name string, v *time.Duration, bad bool, def, floor time.Duration) {
		if bad {
			*v = max(def, floor)
			log.Warn("config value out of range, adjusted", zap.String("field", name), zap.Duration("value", *v))
		}
	}
	bounded("RetryMax", &c.RetryMax, c.RetryMax <= 0 || c.RetryMax < c.RetryInitial, d.RetryMax, c.RetryInitial)
	// the reaper must not take back jobs whose workers still heartbeat
	bounded("HeartbeatTimeout", &c.HeartbeatTimeout, c.HeartbeatTimeout <= c.HeartbeatInterval, d.HeartbeatTimeout, 2*c.HeartbeatInterval)
	bounded("DeadMaxAge", &c.DeadMaxAge, c.DeadMaxAge <= 0 || c.DeadMaxAge < c.CompletedMaxAge, d.DeadMaxAge, c.CompletedMaxAge)
	bounded("ReconnectMaxDelay", &c.ReconnectMaxDelay, c.ReconnectMaxDelay < c.ReconnectBaseDelay, d.ReconnectMaxDelay, c.ReconnectBaseDelay)

	var events []string
	for _, s := range c.RecipientLimitedEvents {
		if _, err := domain.ParseEventType(s); err != nil {
			log.Warn("unknown event type in RECIPIENT_LIMITED_EVENTS, ignoring", zap.String("value", s))
			continue
		}
		events = append(events, s)
	}
	c.RecipientLimitedEvents = events
	if len(c.RecipientLimitedEvents) == 0 {
		c.RecipientLimitedEvents = d.RecipientLimitedEvents
	}
}

func nonDecreasing(steps []time.Duration) bool {
	for i, s := range steps {
		if s <= 0 || (i > 0 && s < steps[i-1]) {
			return false
		}
	}
	return true
}

// LimitedEvents returns RecipientLimitedEvents as event types.
func (c Config) LimitedEvents() []domain.EventType {
	out := make([]domain.EventType, 0, len(c.RecipientLimitedEvents))
	for _, s := range c.RecipientLimitedEvents {
		out = append(out, domain.EventType(s))
	}
	return out
}

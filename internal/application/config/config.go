package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9091"`

	// AuthToken is the access token issued by the identity service; its
	// subject is the local participant ID.
	AuthToken string `env:"AUTH_TOKEN,required"`
	JWTSecret string `env:"JWT_SECRET,required"`

	AutoAccept bool `env:"AUTO_ACCEPT" envDefault:"false"`

	Relay    RelayConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Call     CallConfig
	Stun     StunConfig
	Coturn   CoturnConfig

	ICEServers []webrtc.ICEServer
}

// RelayConfig selects the broadcast substrate.
type RelayConfig struct {
	Driver string `env:"RELAY_DRIVER" envDefault:"redis"` // redis | ws
	WSURL  string `env:"RELAY_WS_URL" envDefault:"ws://localhost:8080/ws"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Name     string `env:"POSTGRES_NAME" envDefault:"peercall"`
	SSL      string `env:"POSTGRES_SSL" envDefault:"disable"`
}

func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}

	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSL,
	)
}

// CallConfig tunes negotiation timing.
type CallConfig struct {
	// OfferRetryInterval is how often the initiator re-emits an
	// unanswered offer.
	OfferRetryInterval time.Duration `env:"OFFER_RETRY_INTERVAL" envDefault:"2s"`
	// NegotiationTimeout bounds the window from session start to a live
	// media path.
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT" envDefault:"30s"`
	// PublishMaxRetries bounds durable-log write retries per signal.
	PublishMaxRetries uint64 `env:"PUBLISH_MAX_RETRIES" envDefault:"3"`
	// PublishBackoff is the constant delay between those retries.
	PublishBackoff time.Duration `env:"PUBLISH_BACKOFF" envDefault:"200ms"`
}

type StunConfig struct {
	URLs []string `env:"STUN_URLS" envDefault:"stun:stun.l.google.com:19302"`
}

// CoturnConfig is optional; calls fall back to STUN-only when unset.
type CoturnConfig struct {
	Host     string `env:"COTURN_HOST"`
	Username string `env:"COTURN_USERNAME"`
	Password string `env:"COTURN_PASSWORD"`
}

func New() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	c.ICEServers = []webrtc.ICEServer{{URLs: c.Stun.URLs}}

	if c.Coturn.Host != "" {
		c.ICEServers = append(c.ICEServers,
			webrtc.ICEServer{
				URLs:       []string{fmt.Sprintf("turn:%s?transport=udp", c.Coturn.Host)},
				Username:   c.Coturn.Username,
				Credential: c.Coturn.Password,
			},
			webrtc.ICEServer{
				URLs:       []string{fmt.Sprintf("turn:%s?transport=tcp", c.Coturn.Host)},
				Username:   c.Coturn.Username,
				Credential: c.Coturn.Password,
			},
		)
	}

	return &c, nil
}

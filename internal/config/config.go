// Package config loads and validates the watcher's env.yaml configuration.
package config

import (
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"gopkg.in/yaml.v3"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/condition"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	NATSURL      string `yaml:"nats_url"`

	// PubSubTopic is the topic Gmail watch registrations publish to.
	PubSubTopic string `yaml:"pubsub_topic"`

	Push struct {
		// Audience the push subscription's OIDC token is minted for.
		Audience string `yaml:"audience"`
		// ServiceAccount the subscription pushes as.
		ServiceAccount string `yaml:"service_account"`
	} `yaml:"push"`

	OAuth struct {
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		RedirectURL  string   `yaml:"redirect_url"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"oauth"`

	AttachmentBucket string `yaml:"attachment_bucket"`

	// DefaultHandlers apply to principals without stored handler documents.
	DefaultHandlers []handler.Document `yaml:"default_handlers"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/watcher.db"
	}
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = []string{gmailapi.GmailReadonlyScope}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PubSubTopic == "" {
		return fmt.Errorf("pubsub_topic is required")
	}
	if c.Push.Audience == "" || c.Push.ServiceAccount == "" {
		return fmt.Errorf("push.audience and push.service_account are required")
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth.client_id and oauth.client_secret are required")
	}
	if c.AttachmentBucket == "" {
		return fmt.Errorf("attachment_bucket is required")
	}
	// Bad default handler conditions fail here, not mid-sync.
	for _, doc := range c.DefaultHandlers {
		if doc.Name == "" {
			return fmt.Errorf("default handler without a name")
		}
		if _, err := condition.Parse(doc.FilterCondition); err != nil {
			return fmt.Errorf("default handler %q: %w", doc.Name, err)
		}
	}
	return nil
}

// OAuthConfig builds the oauth2 client configuration for Gmail access.
func (c *Config) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		RedirectURL:  c.OAuth.RedirectURL,
		Scopes:       c.OAuth.Scopes,
		Endpoint:     google.Endpoint,
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "STOREFRONT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "storefront.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultCookieName   = "app_session"
	defaultIssuer       = "tauth"
	defaultCurrency     = "usd"
	defaultCartTTL      = 7 * 24 * 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string

	StudioMonthlyPriceID string
	StudioYearlyPriceID  string
	SiteURL              string

	EmailAPIKey       string
	EmailFrom         string
	EmailAdminAddress string

	NotionToken       string
	NotionPricingFile string

	RedisAddress     string
	CartTTL          time.Duration
	CartCookieSecure bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("stripe.currency", defaultCurrency)
	configViper.SetDefault("cart.ttl_minutes", defaultCartTTL)
	configViper.SetDefault("cart.cookie_secure", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:      configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:          configViper.GetString("tauth.issuer"),
		StripeSecretKey:      configViper.GetString("stripe.secret_key"),
		StripeWebhookSecret:  configViper.GetString("stripe.webhook_secret"),
		Currency:             strings.ToLower(strings.TrimSpace(configViper.GetString("stripe.currency"))),
		StudioMonthlyPriceID: configViper.GetString("studio.monthly_price_id"),
		StudioYearlyPriceID:  configViper.GetString("studio.yearly_price_id"),
		SiteURL:              strings.TrimRight(configViper.GetString("site.url"), "/"),
		EmailAPIKey:          configViper.GetString("email.api_key"),
		EmailFrom:            configViper.GetString("email.from"),
		EmailAdminAddress:    configViper.GetString("email.admin_address"),
		NotionToken:          configViper.GetString("notion.token"),
		NotionPricingFile:    configViper.GetString("catalog.notion_pricing_file"),
		RedisAddress:         configViper.GetString("redis.address"),
		CartTTL:              time.Duration(configViper.GetInt("cart.ttl_minutes")) * time.Minute,
		CartCookieSecure:     configViper.GetBool("cart.cookie_secure"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StripeSecretKey) == "" {
		return fmt.Errorf("stripe.secret_key is required")
	}
	if strings.TrimSpace(c.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe.webhook_secret is required")
	}
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.Currency == "" {
		return fmt.Errorf("stripe.currency is required")
	}
	if c.CartTTL <= 0 {
		return fmt.Errorf("cart.ttl_minutes must be positive")
	}
	return nil
}

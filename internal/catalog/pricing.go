package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PaidProduct configures a purchasable Notion product.
type PaidProduct struct {
	PriceCents   int64  `yaml:"price_in_cents"`
	DeliveryType string `yaml:"delivery_type"`
	DownloadURL  string `yaml:"download_url"`
}

// FreeProduct configures a lead-magnet Notion product.
type FreeProduct struct {
	DownloadURL string `yaml:"download_url"`
}

// PricingConfig is the single source of truth for Notion product pricing and delivery.
type PricingConfig struct {
	Paid map[string]PaidProduct `yaml:"paid"`
	Free map[string]FreeProduct `yaml:"free"`
}

// NotionPrice is the resolved price and delivery for a Notion slug.
type NotionPrice struct {
	PriceCents   int64
	DeliveryType DeliveryType
	DownloadURL  string
	Free         bool
}

// LoadPricingConfig reads the YAML pricing file. An empty path yields an empty config.
func LoadPricingConfig(path string) (PricingConfig, error) {
	if strings.TrimSpace(path) == "" {
		return PricingConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PricingConfig{}, fmt.Errorf("catalog: read pricing config: %w", err)
	}
	return ParsePricingConfig(data)
}

// ParsePricingConfig decodes pricing YAML and rejects negative prices.
func ParsePricingConfig(data []byte) (PricingConfig, error) {
	var cfg PricingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PricingConfig{}, fmt.Errorf("catalog: parse pricing config: %w", err)
	}
	for slug, paid := range cfg.Paid {
		if paid.PriceCents < 0 {
			return PricingConfig{}, fmt.Errorf("catalog: negative price for %q", slug)
		}
	}
	return cfg, nil
}

// Resolve returns the price for a slug. Paid entries take precedence over free ones;
// ok is false when the slug is not configured for checkout at all.
func (c PricingConfig) Resolve(slug string) (NotionPrice, bool) {
	key := strings.TrimSpace(slug)
	if paid, ok := c.Paid[key]; ok {
		return NotionPrice{
			PriceCents:   paid.PriceCents,
			DeliveryType: ParseDeliveryType(paid.DeliveryType),
			DownloadURL:  paid.DownloadURL,
		}, true
	}
	if free, ok := c.Free[key]; ok {
		return NotionPrice{
			PriceCents:   0,
			DeliveryType: DeliveryTypeDownload,
			DownloadURL:  free.DownloadURL,
			Free:         true,
		}, true
	}
	return NotionPrice{}, false
}

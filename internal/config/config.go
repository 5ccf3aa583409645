// Package config loads process configuration from the environment and the
// optional DNS provider file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/inventory"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/network"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/proxmox"
)

const defaultEnvFile = ".env"

// Config is the raw environment configuration.
type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Network    NetworkConfig
	Proxmox    ProxmoxConfig
	Cloudflare CloudflareConfig

	ProviderPath   string        `env:"DNS_PROVIDER_PATH"`
	Interval       time.Duration `env:"INTERVAL" envDefault:"1h"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	MetricsAddr    string        `env:"METRICS_ADDR" envDefault:":9090"`
}

// NetworkConfig holds address selection settings.
type NetworkConfig struct {
	ValidNetworks  []string `env:"VALID_NETWORKS" envSeparator:","`
	PredictNetwork string   `env:"PREDICT_NETWORK"`
	Predict        bool     `env:"PREDICT_IP_ADDRESSES" envDefault:"false"`
	Blacklist      []string `env:"PREDICT_IP_ADDRESSES_VMID_BLACKLIST" envSeparator:","`
}

// ProxmoxConfig holds Proxmox VE API settings.
type ProxmoxConfig struct {
	URL         string   `env:"PROXMOX_URL"`
	Nodes       []string `env:"PROXMOX_NODES_LIST" envSeparator:","`
	TokenName   string   `env:"PROXMOX_TOKEN_NAME"`
	Token       string   `env:"PROXMOX_TOKEN"`
	VerifyTLS   bool     `env:"PROXMOX_VERIFY_TLS" envDefault:"false"`
	IncludeLXC  bool     `env:"PROXMOX_INCLUDE_LXC" envDefault:"false"`
	Concurrency int      `env:"PROXMOX_CONCURRENCY" envDefault:"4"`
}

// CloudflareConfig holds the settings of the default DNS provider.
type CloudflareConfig struct {
	Token     string `env:"CLOUDFLARE_TOKEN"`
	Zone      string `env:"CLOUDFLARE_ZONE"`
	Subdomain string `env:"CLOUDFLARE_DNS_SUBDOMAIN"`
	TTL       int    `env:"CLOUDFLARE_TTL" envDefault:"120"`
}

// Settings is the validated, immutable configuration handed to the
// reconciler.
type Settings struct {
	Debug          bool
	Nodes          []string
	Inventory      inventory.Options
	Proxmox        proxmox.Options
	Provider       *ProviderConfig
	Interval       time.Duration
	RequestTimeout time.Duration
	MetricsAddr    string
}

// parseDuration accepts a Go duration ("90s", "1h") or a bare number of
// seconds ("3600").
func parseDuration(v string) (any, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// Load reads the dotenv file named by ENV_FILE (or ./.env when present) and
// parses the environment into a Config.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDuration,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: parsing environment: %w", domain.ErrConfiguration, err)
	}
	return cfg, nil
}

func loadEnvFile() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return domain.Configuration("loading env file %s: %v", path, err)
	}
	return nil
}

// Validate checks every setting and converts the configuration into
// Settings. All problems are reported together.
func (c *Config) Validate() (*Settings, error) {
	var errs []error

	validNetworks, err := network.ParseNetworks(c.Network.ValidNetworks)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("VALID_NETWORKS: %w", err))
	case len(validNetworks) == 0:
		errs = append(errs, errors.New("VALID_NETWORKS is required"))
	}

	opts := inventory.Options{
		ValidNetworks: validNetworks,
		Predict:       c.Network.Predict,
		Blacklist:     sets.New[int](),
	}
	if c.Network.Predict || c.Network.PredictNetwork != "" {
		if c.Network.PredictNetwork == "" {
			errs = append(errs, errors.New("PREDICT_NETWORK is required when PREDICT_IP_ADDRESSES is enabled"))
		} else if n, err := network.ParseNetwork(c.Network.PredictNetwork); err != nil {
			errs = append(errs, fmt.Errorf("PREDICT_NETWORK: %w", err))
		} else {
			opts.PredictNetwork = n
		}
	}
	for _, raw := range c.Network.Blacklist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		vmid, err := strconv.Atoi(raw)
		if err != nil || vmid <= 0 {
			errs = append(errs, fmt.Errorf("PREDICT_IP_ADDRESSES_VMID_BLACKLIST: invalid VMID %q", raw))
			continue
		}
		opts.Blacklist.Insert(vmid)
	}

	if c.Proxmox.URL == "" {
		errs = append(errs, errors.New("PROXMOX_URL is required"))
	}
	if c.Proxmox.TokenName == "" || c.Proxmox.Token == "" {
		errs = append(errs, errors.New("PROXMOX_TOKEN_NAME and PROXMOX_TOKEN are required"))
	}
	nodes := uniqueNodes(c.Proxmox.Nodes)
	if len(nodes) == 0 {
		errs = append(errs, errors.New("PROXMOX_NODES_LIST is required"))
	}
	if c.Proxmox.Concurrency < 1 {
		errs = append(errs, errors.New("PROXMOX_CONCURRENCY must be at least 1"))
	}

	if c.Interval <= 0 {
		errs = append(errs, errors.New("INTERVAL must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}

	provider, err := c.providerConfig()
	if err != nil {
		errs = append(errs, err)
	} else {
		opts.Zone = provider.Zone
		opts.Subdomain = provider.Subdomain
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, utilerrors.NewAggregate(errs))
	}

	return &Settings{
		Debug:     c.Debug,
		Nodes:     nodes,
		Inventory: opts,
		Proxmox: proxmox.Options{
			URL:         c.Proxmox.URL,
			TokenName:   c.Proxmox.TokenName,
			Token:       c.Proxmox.Token,
			VerifyTLS:   c.Proxmox.VerifyTLS,
			IncludeLXC:  c.Proxmox.IncludeLXC,
			Concurrency: c.Proxmox.Concurrency,
			Timeout:     c.RequestTimeout,
		},
		Provider:       provider,
		Interval:       c.Interval,
		RequestTimeout: c.RequestTimeout,
		MetricsAddr:    c.MetricsAddr,
	}, nil
}

// providerConfig loads DNS_PROVIDER_PATH when set and otherwise synthesises
// a cloudflare provider from the CLOUDFLARE_* keys.
func (c *Config) providerConfig() (*ProviderConfig, error) {
	var pc *ProviderConfig
	if c.ProviderPath != "" {
		loaded, err := LoadProviderConfigFromPath(c.ProviderPath)
		if err != nil {
			return nil, fmt.Errorf("DNS_PROVIDER_PATH: %w", err)
		}
		pc = loaded
		if pc.Zone == "" {
			pc.Zone = c.Cloudflare.Zone
		}
		if pc.Subdomain == "" {
			pc.Subdomain = c.Cloudflare.Subdomain
		}
		if pc.Provider == "cloudflare" {
			c.fillCloudflareSettings(pc)
		}
	} else {
		if c.Cloudflare.Token == "" {
			return nil, errors.New("CLOUDFLARE_TOKEN is required unless DNS_PROVIDER_PATH is set")
		}
		if c.Cloudflare.TTL < 1 {
			return nil, errors.New("CLOUDFLARE_TTL must be at least 1")
		}
		pc = &ProviderConfig{
			Provider:  "cloudflare",
			Zone:      c.Cloudflare.Zone,
			Subdomain: c.Cloudflare.Subdomain,
			Settings: map[string]string{
				"token": c.Cloudflare.Token,
				"zone":  c.Cloudflare.Zone,
				"ttl":   strconv.Itoa(c.Cloudflare.TTL),
			},
		}
	}
	if pc.Zone == "" {
		return nil, errors.New("a DNS zone is required (CLOUDFLARE_ZONE or 'zone' in the provider file)")
	}
	return pc, nil
}

// fillCloudflareSettings completes a file based cloudflare provider: the zone
// is shared between the top level and the settings, and the TTL and token fall
// back to the CLOUDFLARE_* variables.
func (c *Config) fillCloudflareSettings(pc *ProviderConfig) {
	if pc.Zone == "" {
		pc.Zone = pc.Settings["zone"]
	}
	if pc.Settings["zone"] == "" {
		pc.Settings["zone"] = pc.Zone
	}
	if pc.Settings["ttl"] == "" && c.Cloudflare.TTL > 0 {
		pc.Settings["ttl"] = strconv.Itoa(c.Cloudflare.TTL)
	}
	if pc.Settings["token"] == "" && c.Cloudflare.Token != "" {
		pc.Settings["token"] = c.Cloudflare.Token
	}
}

// uniqueNodes trims node names and drops blanks and repeats, keeping the
// configured order.
func uniqueNodes(in []string) []string {
	seen := sets.New[string]()
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" && !seen.Has(s) {
			seen.Insert(s)
			out = append(out, s)
		}
	}
	return out
}

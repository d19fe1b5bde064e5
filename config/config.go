package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/spf13/viper"
)

// Configuration specifies the static application config.
type Configuration struct {
	ExternalURL string `mapstructure:"external_url"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AdminPort   int    `mapstructure:"admin_port"`
	// MaxRequestSize is the largest request body, in bytes, the auction and cookie sync endpoints will read.
	MaxRequestSize  int64           `mapstructure:"max_request_size"`
	AuctionTimeouts AuctionTimeouts `mapstructure:"auction_timeouts_ms"`
	HostCookie      HostCookie      `mapstructure:"host_cookie"`
	Metrics         Metrics         `mapstructure:"metrics"`
	// Adapters holds the host overrides for each bidder, keyed by lowercase bidder name.
	Adapters        map[string]Adapter `mapstructure:"adapters"`
	UserSync        UserSync           `mapstructure:"user_sync"`
	BidderInfoDir   string             `mapstructure:"bidder_info_dir"`
	BidderParamsDir string             `mapstructure:"bidder_params_dir"`
	Connections     Connections        `mapstructure:"http_client"`
	// StatusResponse is the body written by the /status endpoint. Empty means 204.
	StatusResponse        string                `mapstructure:"status_response"`
	EnableGzip            bool                  `mapstructure:"enable_gzip"`
	RequestTimeoutHeaders RequestTimeoutHeaders `mapstructure:"request_timeout_headers"`
}

// RequestTimeoutHeaders names the headers an upstream queue sets on each request: the seconds the
// request waited in the queue and the seconds it was allowed to wait.
type RequestTimeoutHeaders struct {
	RequestTimeInQueue    string `mapstructure:"request_time_in_queue"`
	RequestTimeoutInQueue string `mapstructure:"request_timeout_in_queue"`
}

// AuctionTimeouts bounds the time budget of every auction.
type AuctionTimeouts struct {
	// The default timeout is used if the user's request didn't define one. Use 0 if there's no default.
	Default uint64 `mapstructure:"default"`
	// The max timeout is used as an absolute cap, to prevent excessively long ones. Use 0 for no cap
	Max uint64 `mapstructure:"max"`
	// The min timeout is the smallest budget an auction is ever given, even if the caller asked for less.
	Min uint64 `mapstructure:"min"`
}

func (cfg *AuctionTimeouts) validate(errs []error) []error {
	if cfg.Max < cfg.Default && cfg.Max > 0 {
		errs = append(errs, fmt.Errorf("auction_timeouts_ms.max cannot be less than auction_timeouts_ms.default. max=%d, default=%d", cfg.Max, cfg.Default))
	}
	if cfg.Min > cfg.Max && cfg.Max > 0 {
		errs = append(errs, fmt.Errorf("auction_timeouts_ms.min cannot be greater than auction_timeouts_ms.max. min=%d, max=%d", cfg.Min, cfg.Max))
	}
	return errs
}

// LimitAuctionTimeout returns the budget an auction should run under, given the requested one.
// A zero request falls back to the default; the result is capped at Max and never below Min.
func (cfg *AuctionTimeouts) LimitAuctionTimeout(requested time.Duration) time.Duration {
	if requested <= 0 && cfg.Default != 0 {
		requested = time.Duration(cfg.Default) * time.Millisecond
	}
	if cfg.Max > 0 {
		if maxTimeout := time.Duration(cfg.Max) * time.Millisecond; requested > maxTimeout {
			requested = maxTimeout
		}
	}
	if minTimeout := time.Duration(cfg.Min) * time.Millisecond; requested < minTimeout {
		requested = minTimeout
	}
	return requested
}

// HostCookie describes the uids cookie the host reads when looking up synced users.
type HostCookie struct {
	Domain     string `mapstructure:"domain"`
	CookieName string `mapstructure:"cookie_name"`
	// TTL is the number of days a uid cookie stays valid.
	TTL int64 `mapstructure:"ttl_days"`
}

// TTLDuration returns the cookie TTL as a duration.
func (cfg *HostCookie) TTLDuration() time.Duration {
	return time.Duration(cfg.TTL) * 24 * time.Hour
}

// Connections tunes the HTTP client used to reach bidders.
type Connections struct {
	MaxConnsPerHost     int `mapstructure:"max_connections_per_host"`
	MaxIdleConns        int `mapstructure:"max_idle_connections"`
	MaxIdleConnsPerHost int `mapstructure:"max_idle_connections_per_host"`
	IdleConnTimeout     int `mapstructure:"idle_connection_timeout_seconds"`
}

// Metrics selects and configures the metrics backends.
type Metrics struct {
	Influxdb   InfluxMetrics     `mapstructure:"influxdb"`
	Prometheus PrometheusMetrics `mapstructure:"prometheus"`
	Disabled   DisabledMetrics   `mapstructure:"disabled_metrics"`
}

// DisabledMetrics turns off optional, potentially high cardinality, metrics.
type DisabledMetrics struct {
	// True if we want to stop collecting connection info for adapters.
	AdapterConnectionMetrics bool `mapstructure:"adapter_connections_metrics"`
}

// InfluxMetrics configures periodic export of the go-metrics registry to InfluxDB.
type InfluxMetrics struct {
	Host               string `mapstructure:"host"`
	Database           string `mapstructure:"database"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	MetricSendInterval int    `mapstructure:"metric_send_interval"`
}

// PrometheusMetrics configures the prometheus backend served on the admin port.
type PrometheusMetrics struct {
	Port             int    `mapstructure:"port"`
	Namespace        string `mapstructure:"namespace"`
	Subsystem        string `mapstructure:"subsystem"`
	TimeoutMillisRaw int    `mapstructure:"timeout_ms"`
}

// Timeout returns the scrape timeout as a duration.
func (cfg *PrometheusMetrics) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMillisRaw) * time.Millisecond
}

func (cfg *Metrics) validate(errs []error) []error {
	if cfg.Influxdb.Host != "" && cfg.Influxdb.MetricSendInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.influxdb.metric_send_interval must be positive when metrics.influxdb.host is set. Got %d", cfg.Influxdb.MetricSendInterval))
	}
	if cfg.Prometheus.Port > 0 && cfg.Prometheus.TimeoutMillisRaw <= 0 {
		errs = append(errs, fmt.Errorf("metrics.prometheus.timeout_ms must be positive if metrics.prometheus.port is defined. Got timeout=%d and port=%d", cfg.Prometheus.TimeoutMillisRaw, cfg.Prometheus.Port))
	}
	return errs
}

func (cfg *Configuration) validate() []error {
	var errs []error
	errs = cfg.AuctionTimeouts.validate(errs)
	errs = cfg.Metrics.validate(errs)
	errs = validateAdapters(cfg.Adapters, errs)
	if cfg.MaxRequestSize < 0 {
		errs = append(errs, fmt.Errorf("cfg.max_request_size must be >= 0. Got %d", cfg.MaxRequestSize))
	}
	if cfg.HostCookie.TTL <= 0 {
		errs = append(errs, fmt.Errorf("host_cookie.ttl_days must be positive. Got %d", cfg.HostCookie.TTL))
	}
	return errs
}

// New uses viper to get our server configurations.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %v", err)
	}

	// Adapter keys are case insensitive; viper already lower cases them.
	adapters := make(map[string]Adapter, len(c.Adapters))
	for name, adapter := range c.Adapters {
		adapters[strings.ToLower(name)] = adapter
	}
	c.Adapters = adapters

	if c.UserSync.ExternalURL == "" {
		c.UserSync.ExternalURL = c.ExternalURL
	}

	glog.Info("Logging the resolved configuration:")
	logGeneral(reflect.ValueOf(c), "  \t")

	if errs := c.validate(); len(errs) > 0 {
		return &c, errortypes.NewAggregateErrors("validation errors", errs)
	}

	return &c, nil
}

// SetupViper sets the defaults and the config sources every Configuration is read from.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/config")
	}

	v.SetDefault("external_url", "http://localhost:8000")
	v.SetDefault("host", "")
	v.SetDefault("port", 8000)
	v.SetDefault("admin_port", 6060)
	v.SetDefault("max_request_size", 1024*256)
	v.SetDefault("status_response", "")
	v.SetDefault("enable_gzip", false)
	v.SetDefault("request_timeout_headers.request_time_in_queue", "")
	v.SetDefault("request_timeout_headers.request_timeout_in_queue", "")
	v.SetDefault("auction_timeouts_ms.default", 0)
	v.SetDefault("auction_timeouts_ms.max", 0)
	v.SetDefault("auction_timeouts_ms.min", 0)
	v.SetDefault("host_cookie.domain", "")
	v.SetDefault("host_cookie.cookie_name", "uids")
	v.SetDefault("host_cookie.ttl_days", 90)
	v.SetDefault("http_client.max_connections_per_host", 0) // unlimited
	v.SetDefault("http_client.max_idle_connections", 400)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.idle_connection_timeout_seconds", 60)
	v.SetDefault("metrics.influxdb.host", "")
	v.SetDefault("metrics.influxdb.database", "")
	v.SetDefault("metrics.influxdb.username", "")
	v.SetDefault("metrics.influxdb.password", "")
	v.SetDefault("metrics.influxdb.metric_send_interval", 20)
	v.SetDefault("metrics.prometheus.port", 0)
	v.SetDefault("metrics.prometheus.namespace", "")
	v.SetDefault("metrics.prometheus.subsystem", "")
	v.SetDefault("metrics.prometheus.timeout_ms", 10000)
	v.SetDefault("metrics.disabled_metrics.adapter_connections_metrics", true)
	v.SetDefault("user_sync.redirect_url", "{{.ExternalURL}}/setuid?bidder={{.SyncerKey}}&uid={{.UserMacro}}")
	v.SetDefault("bidder_info_dir", "./static/bidder-info")
	v.SetDefault("bidder_params_dir", "./static/bidder-params")

	v.SetDefault("adapters.consumable.endpoint", "https://e.serverbid.com")

	v.SetEnvPrefix("PBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if filename != "" {
		v.ReadInConfig()
	}
}

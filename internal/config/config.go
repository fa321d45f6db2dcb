package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/xbridge/internal/registry"
)

var DefaultProviders = []string{"lifi", "across", "bungee"}

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	Providers      string
}

type Settings struct {
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	EnableCommands  []string
	Strict          bool
	Timeout         time.Duration
	Retries         int
	MaxStale        time.Duration
	NoStale         bool
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	RecordsPath     string
	RecordsLockPath string
	ActionsPath     string
	ActionsLockPath string
	LogLevel        string
	MetricsAddr     string

	Providers       []string
	ProviderURLs    map[string]string
	BungeeAPIKey    string
	BungeeAffiliate string
	RPCURLs         map[int64]string

	SlippageBps   int64
	Quote         QuoteSettings
	Settlement    SettlementSettings
	PriceCacheTTL time.Duration
}

type QuoteSettings struct {
	Debounce time.Duration
	Refresh  time.Duration
}

type SettlementSettings struct {
	RemotePoll   time.Duration
	LocalPoll    time.Duration
	NoMatchAfter time.Duration
	MaxAge       time.Duration
	HistoryPages int
}

type fileConfig struct {
	Output   string `yaml:"output"`
	Strict   *bool  `yaml:"strict"`
	Timeout  string `yaml:"timeout"`
	Retries  *int   `yaml:"retries"`
	LogLevel string `yaml:"log_level"`
	Cache    struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		PriceTTL string `yaml:"price_ttl"`
	} `yaml:"cache"`
	Records struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"records"`
	Actions struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"actions"`
	Quote struct {
		Providers   []string `yaml:"providers"`
		SlippageBps *int64   `yaml:"slippage_bps"`
		Debounce    string   `yaml:"debounce"`
		Refresh     string   `yaml:"refresh"`
	} `yaml:"quote"`
	Settlement struct {
		RemotePoll   string `yaml:"remote_poll"`
		LocalPoll    string `yaml:"local_poll"`
		NoMatchAfter string `yaml:"no_match_after"`
		MaxAge       string `yaml:"max_age"`
		HistoryPages *int   `yaml:"history_pages"`
	} `yaml:"settlement"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	RPC       map[int64]string `yaml:"rpc"`
	Providers struct {
		LiFi struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"lifi"`
		Across struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"across"`
		Bungee struct {
			BaseURL      string `yaml:"base_url"`
			APIKey       string `yaml:"api_key"`
			APIKeyEnv    string `yaml:"api_key_env"`
			Affiliate    string `yaml:"affiliate"`
			AffiliateEnv string `yaml:"affiliate_env"`
		} `yaml:"bungee"`
		DefiLlama struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"defillama"`
	} `yaml:"providers"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.SlippageBps <= 0 || settings.SlippageBps >= 10_000 {
		return Settings{}, fmt.Errorf("slippage must be between 1 and 9999 bps")
	}
	for name, endpoint := range settings.ProviderURLs {
		if !registry.IsAllowedProviderURL(name, endpoint) {
			return Settings{}, fmt.Errorf("provider %s base_url %q is not allowed", name, endpoint)
		}
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		MaxStale:        5 * time.Minute,
		CacheEnabled:    true,
		CachePath:       cachePath,
		CacheLockPath:   lockPath,
		RecordsPath:     filepath.Join(cacheDir, "records.db"),
		RecordsLockPath: filepath.Join(cacheDir, "records.lock"),
		ActionsPath:     filepath.Join(cacheDir, "actions.db"),
		ActionsLockPath: filepath.Join(cacheDir, "actions.lock"),
		LogLevel:        "warn",
		Providers:       append([]string(nil), DefaultProviders...),
		ProviderURLs:    map[string]string{},
		RPCURLs:         map[int64]string{},
		SlippageBps:     50,
		PriceCacheTTL:   time.Minute,
		Quote: QuoteSettings{
			Debounce: 300 * time.Millisecond,
			Refresh:  30 * time.Second,
		},
		Settlement: SettlementSettings{
			RemotePoll:   3 * time.Second,
			LocalPoll:    time.Second,
			NoMatchAfter: time.Hour,
			MaxAge:       24 * time.Hour,
			HistoryPages: 5,
		},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("XBRIDGE_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "xbridge", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "xbridge")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Records.Path != "" {
		settings.RecordsPath = cfg.Records.Path
	}
	if cfg.Records.LockPath != "" {
		settings.RecordsLockPath = cfg.Records.LockPath
	}
	if cfg.Actions.Path != "" {
		settings.ActionsPath = cfg.Actions.Path
	}
	if cfg.Actions.LockPath != "" {
		settings.ActionsLockPath = cfg.Actions.LockPath
	}
	if len(cfg.Quote.Providers) > 0 {
		settings.Providers = normalizeList(cfg.Quote.Providers)
	}
	if cfg.Quote.SlippageBps != nil {
		settings.SlippageBps = *cfg.Quote.SlippageBps
	}
	if cfg.Settlement.HistoryPages != nil && *cfg.Settlement.HistoryPages > 0 {
		settings.Settlement.HistoryPages = *cfg.Settlement.HistoryPages
	}
	if cfg.Metrics.Addr != "" {
		settings.MetricsAddr = cfg.Metrics.Addr
	}
	for chainID, rpcURL := range cfg.RPC {
		settings.RPCURLs[chainID] = strings.TrimSpace(rpcURL)
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Timeout, "timeout", &settings.Timeout},
		{cfg.Cache.MaxStale, "cache.max_stale", &settings.MaxStale},
		{cfg.Cache.PriceTTL, "cache.price_ttl", &settings.PriceCacheTTL},
		{cfg.Quote.Debounce, "quote.debounce", &settings.Quote.Debounce},
		{cfg.Quote.Refresh, "quote.refresh", &settings.Quote.Refresh},
		{cfg.Settlement.RemotePoll, "settlement.remote_poll", &settings.Settlement.RemotePoll},
		{cfg.Settlement.LocalPoll, "settlement.local_poll", &settings.Settlement.LocalPoll},
		{cfg.Settlement.NoMatchAfter, "settlement.no_match_after", &settings.Settlement.NoMatchAfter},
		{cfg.Settlement.MaxAge, "settlement.max_age", &settings.Settlement.MaxAge},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	providerURLs := map[string]string{
		"lifi":      cfg.Providers.LiFi.BaseURL,
		"across":    cfg.Providers.Across.BaseURL,
		"bungee":    cfg.Providers.Bungee.BaseURL,
		"defillama": cfg.Providers.DefiLlama.BaseURL,
	}
	for name, endpoint := range providerURLs {
		if strings.TrimSpace(endpoint) != "" {
			settings.ProviderURLs[name] = strings.TrimRight(strings.TrimSpace(endpoint), "/")
		}
	}

	if cfg.Providers.Bungee.APIKey != "" {
		settings.BungeeAPIKey = cfg.Providers.Bungee.APIKey
	}
	if cfg.Providers.Bungee.APIKeyEnv != "" {
		settings.BungeeAPIKey = os.Getenv(cfg.Providers.Bungee.APIKeyEnv)
	}
	if cfg.Providers.Bungee.Affiliate != "" {
		settings.BungeeAffiliate = cfg.Providers.Bungee.Affiliate
	}
	if cfg.Providers.Bungee.AffiliateEnv != "" {
		settings.BungeeAffiliate = os.Getenv(cfg.Providers.Bungee.AffiliateEnv)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("XBRIDGE_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("XBRIDGE_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("XBRIDGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("XBRIDGE_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("XBRIDGE_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("XBRIDGE_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("XBRIDGE_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("XBRIDGE_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("XBRIDGE_RECORDS_PATH"); v != "" {
		settings.RecordsPath = v
	}
	if v := os.Getenv("XBRIDGE_RECORDS_LOCK_PATH"); v != "" {
		settings.RecordsLockPath = v
	}
	if v := os.Getenv("XBRIDGE_ACTIONS_PATH"); v != "" {
		settings.ActionsPath = v
	}
	if v := os.Getenv("XBRIDGE_ACTIONS_LOCK_PATH"); v != "" {
		settings.ActionsLockPath = v
	}
	if v := os.Getenv("XBRIDGE_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("XBRIDGE_PROVIDERS"); v != "" {
		settings.Providers = splitList(v)
	}
	if v := os.Getenv("XBRIDGE_SLIPPAGE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.SlippageBps = n
		}
	}
	if v := os.Getenv("XBRIDGE_METRICS_ADDR"); v != "" {
		settings.MetricsAddr = v
	}
	if v := os.Getenv("XBRIDGE_BUNGEE_API_KEY"); v != "" {
		settings.BungeeAPIKey = v
	}
	if v := os.Getenv("XBRIDGE_BUNGEE_AFFILIATE"); v != "" {
		settings.BungeeAffiliate = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if strings.TrimSpace(flags.Providers) != "" {
		settings.Providers = normalizeList(splitList(flags.Providers))
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.LogLevel = flags.LogLevel
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		v := strings.ToLower(strings.TrimSpace(item))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dnsveil/filter"
	"dnsveil/proxy"
)

// Config is the YAML shape of -config. Some of its fields can also be set by
// flag; a flag given on the command line wins over the file.
type Config struct {
	Listen    string           `yaml:"listen"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Fallbacks []UpstreamConfig `yaml:"fallbacks"`

	FilterLists []FilterListConfig `yaml:"filter_lists"`

	BlockingMode       string `yaml:"blocking_mode"`
	BlockedResponseTTL uint32 `yaml:"blocked_response_ttl"`
	CustomBlockingIPv4 string `yaml:"custom_blocking_ipv4"`
	CustomBlockingIPv6 string `yaml:"custom_blocking_ipv6"`

	CacheSize       int  `yaml:"cache_size"`
	OptimisticCache bool `yaml:"optimistic_cache"`
	BlockIPv6       bool `yaml:"block_ipv6"`
	IPv6Available   bool `yaml:"ipv6_available"`

	DNS64 *DNS64Config `yaml:"dns64"`

	DnstapPath string `yaml:"dnstap"`
}

type UpstreamConfig struct {
	Address   string   `yaml:"address"`
	Bootstrap []string `yaml:"bootstrap"`
	Timeout   string   `yaml:"timeout"`
	ID        *int     `yaml:"id"`
}

type FilterListConfig struct {
	ID   int    `yaml:"id"`
	Path string `yaml:"path"`
}

type DNS64Config struct {
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	MaxTries  int              `yaml:"max_tries"`
	WaitTime  string           `yaml:"wait_time"`
}

func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &config, nil
}

func (c *UpstreamConfig) toOptions() (proxy.UpstreamOptions, error) {
	opts := proxy.UpstreamOptions{
		Address:   c.Address,
		Bootstrap: c.Bootstrap,
		ID:        c.ID,
	}
	if c.Timeout != "" {
		timeout, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return opts, fmt.Errorf("upstream %s: bad timeout: %w", c.Address, err)
		}
		opts.Timeout = timeout
	}
	return opts, nil
}

func parseBlockingMode(mode string) (proxy.BlockingMode, error) {
	switch mode {
	case "", "default":
		return proxy.BlockingModeDefault, nil
	case "refused":
		return proxy.BlockingModeRefused, nil
	case "nxdomain":
		return proxy.BlockingModeNXDOMAIN, nil
	case "unspecified_address":
		return proxy.BlockingModeUnspecifiedAddress, nil
	case "custom_address":
		return proxy.BlockingModeCustomAddress, nil
	}
	return proxy.BlockingModeDefault, fmt.Errorf("unknown blocking mode %q", mode)
}

// toSettings maps the file config onto proxy settings.
func (c *Config) toSettings() (proxy.Settings, error) {
	settings := proxy.DefaultSettings()
	for _, u := range c.Upstreams {
		opts, err := u.toOptions()
		if err != nil {
			return settings, err
		}
		settings.Upstreams = append(settings.Upstreams, opts)
	}
	for _, u := range c.Fallbacks {
		opts, err := u.toOptions()
		if err != nil {
			return settings, err
		}
		settings.Fallbacks = append(settings.Fallbacks, opts)
	}
	for _, list := range c.FilterLists {
		settings.FilterParams.Lists = append(settings.FilterParams.Lists, filter.List{
			ID:   list.ID,
			Path: list.Path,
		})
	}

	mode, err := parseBlockingMode(c.BlockingMode)
	if err != nil {
		return settings, err
	}
	settings.BlockingMode = mode
	if c.BlockedResponseTTL != 0 {
		settings.BlockedResponseTTL = c.BlockedResponseTTL
	}
	settings.CustomBlockingIPv4 = c.CustomBlockingIPv4
	settings.CustomBlockingIPv6 = c.CustomBlockingIPv6
	settings.CacheSize = c.CacheSize
	settings.OptimisticCache = c.OptimisticCache
	settings.BlockIPv6 = c.BlockIPv6
	settings.IPv6Available = c.IPv6Available

	if c.DNS64 != nil {
		dns64 := proxy.DNS64Settings{MaxTries: c.DNS64.MaxTries}
		if dns64.MaxTries == 0 {
			dns64.MaxTries = 5
		}
		if c.DNS64.WaitTime != "" {
			waitTime, err := time.ParseDuration(c.DNS64.WaitTime)
			if err != nil {
				return settings, fmt.Errorf("dns64: bad wait_time: %w", err)
			}
			dns64.WaitTime = waitTime
		} else {
			dns64.WaitTime = time.Second
		}
		for _, u := range c.DNS64.Upstreams {
			opts, err := u.toOptions()
			if err != nil {
				return settings, err
			}
			dns64.Upstreams = append(dns64.Upstreams, opts)
		}
		settings.DNS64 = &dns64
	}
	return settings, nil
}

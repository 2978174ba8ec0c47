package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Bind           string
	Port           int
	AllowCIDRs     []string
	BasePath       string
	AgentCommand   string
	TranscriptRoot string
}

// Defaults registers every setting with its default value. Callers bind
// cobra flags on top and rely on the GRIMOIRE_* env prefix.
func Defaults(v *viper.Viper) {
	v.SetDefault("bind", "127.0.0.1")
	v.SetDefault("port", 3319)
	v.SetDefault("allow-cidr", []string{})
	v.SetDefault("base-path", "")
	v.SetDefault("agent-command", "claude")
	v.SetDefault("transcript-root", "")
	v.SetEnvPrefix("GRIMOIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// FromViper materializes and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Bind:           v.GetString("bind"),
		Port:           v.GetInt("port"),
		AllowCIDRs:     v.GetStringSlice("allow-cidr"),
		BasePath:       v.GetString("base-path"),
		AgentCommand:   v.GetString("agent-command"),
		TranscriptRoot: v.GetString("transcript-root"),
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, errors.New("port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.AgentCommand) == "" {
		return Config{}, errors.New("agent-command must not be empty")
	}
	for _, cidr := range cfg.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return Config{}, fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	return cfg, nil
}

// IsAllowedClient reports whether a client IP may use the API. Loopback is
// always allowed; otherwise the IP must fall in one of the configured CIDRs.
// An empty allowlist admits everyone (bind address is the real gate then).
func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

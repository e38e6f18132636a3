package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Config is read from the environment; command-line flags override it.
type Config struct {
	Home             string        `env:"FEEDCHAT_HOME"`
	Listen           string        `env:"FEEDCHAT_LISTEN,default=0.0.0.0:4040"`
	HTTP             string        `env:"FEEDCHAT_HTTP,default=127.0.0.1:8080"`
	Bootstrap        string        `env:"FEEDCHAT_BOOTSTRAP"`
	Heartbeat        time.Duration `env:"FEEDCHAT_HEARTBEAT,default=15s"`
	Debug            bool          `env:"FEEDCHAT_DEBUG"`
	InMemory         bool          `env:"FEEDCHAT_IN_MEMORY"`
	Pprof            bool          `env:"FEEDCHAT_PPROF"`
	PprofAddr        string        `env:"FEEDCHAT_PPROF_ADDR,default=127.0.0.1:6060"`
	PprofAllowPublic bool          `env:"FEEDCHAT_PPROF_ALLOW_PUBLIC"`
	MaxConnsPerIP    int           `env:"FEEDCHAT_MAX_CONNS_PER_IP,default=8"`
	MaxStreams       int           `env:"FEEDCHAT_MAX_STREAMS_PER_PEER,default=256"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Home == "" {
		cfg.Home = defaultHome()
	}
	return cfg, nil
}

// BootstrapList splits the comma separated bootstrap addresses.
func (c Config) BootstrapList() []string {
	var out []string
	for _, a := range strings.Split(c.Bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func defaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".feedchat"
	}
	return filepath.Join(h, ".feedchat")
}

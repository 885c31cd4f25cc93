// Package config loads hub settings from defaults, an optional YAML file,
// environment variables and command-line flags, in increasing priority.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mindcraft-hub/internal/logging"
)

const EnvPrefix = "MCHUB"

type Server struct {
	Addr      string
	StaticDir string
}

type Bot struct {
	Command      string
	Args         []string
	WorkDir      string
	ReadyPattern string
	StopTimeout  time.Duration
	KillTimeout  time.Duration
	LinkURL      string
	RuntimeDir   string
	TailSize     int
}

type Config struct {
	Server  Server
	DataDir string
	LogsDir string
	Bot     Bot
	Log     logging.Config
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"addr":        "server.addr",
	"static-dir":  "server.static_dir",
	"data-dir":    "data.dir",
	"logs-dir":    "logs.dir",
	"bot-command": "bot.command",
	"bot-workdir": "bot.workdir",
	"log-level":   "log.level",
	"log-file":    "log.file",
}

// RegisterFlags adds the hub's flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", ":8080", "HTTP listen address")
	fs.String("static-dir", "", "directory of the built dashboard to serve")
	fs.String("data-dir", "./data", "directory holding profiles, tasks, keys and settings")
	fs.String("logs-dir", "", "directory for bot log sessions (default <data-dir>/logs)")
	fs.String("bot-command", "node", "executable that runs a bot")
	fs.String("bot-workdir", ".", "working directory for bot processes")
	fs.String("log-level", "info", "hub log level")
	fs.String("log-file", "", "also write hub logs to this file, rotated")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("data.dir", "./data")
	v.SetDefault("logs.dir", "")

	v.SetDefault("bot.command", "node")
	v.SetDefault("bot.args", []string{"main.js"})
	v.SetDefault("bot.workdir", ".")
	v.SetDefault("bot.ready_pattern", "")
	v.SetDefault("bot.stop_timeout", 5*time.Second)
	v.SetDefault("bot.kill_timeout", 3*time.Second)
	v.SetDefault("bot.link_url", "")
	v.SetDefault("bot.runtime_dir", "")
	v.SetDefault("bot.tail_size", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.compress", true)
}

// Load resolves the configuration. fs may be nil; when it carries a
// "config" flag naming a file, that file must exist.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrap(err, "read config file")
			}
		}
	}

	c := &Config{
		Server: Server{
			Addr:      v.GetString("server.addr"),
			StaticDir: v.GetString("server.static_dir"),
		},
		DataDir: v.GetString("data.dir"),
		LogsDir: v.GetString("logs.dir"),
		Bot: Bot{
			Command:      v.GetString("bot.command"),
			Args:         v.GetStringSlice("bot.args"),
			WorkDir:      v.GetString("bot.workdir"),
			ReadyPattern: v.GetString("bot.ready_pattern"),
			StopTimeout:  v.GetDuration("bot.stop_timeout"),
			KillTimeout:  v.GetDuration("bot.kill_timeout"),
			LinkURL:      v.GetString("bot.link_url"),
			RuntimeDir:   v.GetString("bot.runtime_dir"),
			TailSize:     v.GetInt("bot.tail_size"),
		},
		Log: logging.Config{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
	}

	// PORT only overrides the port of an address that was not set explicitly.
	if port := v.GetString("server.port"); port != "" && !addrExplicit(v, fs) {
		c.Server.Addr = ":" + port
	}
	if c.LogsDir == "" {
		c.LogsDir = filepath.Join(c.DataDir, "logs")
	}
	if c.Bot.RuntimeDir == "" {
		c.Bot.RuntimeDir = filepath.Join(c.DataDir, "runtime")
	}
	if c.Bot.LinkURL == "" {
		c.Bot.LinkURL = linkURL(c.Server.Addr)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func addrExplicit(v *viper.Viper, fs *pflag.FlagSet) bool {
	if fs != nil && fs.Changed("addr") {
		return true
	}
	if _, ok := os.LookupEnv(EnvPrefix + "_SERVER_ADDR"); ok {
		return true
	}
	return v.InConfig("server.addr")
}

// linkURL derives the side-channel URL bots dial back on from the listen address.
func linkURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws/bot"
}

func (c *Config) validate() error {
	switch {
	case c.Bot.Command == "":
		return errors.New("bot.command must not be empty")
	case c.DataDir == "":
		return errors.New("data.dir must not be empty")
	case c.Bot.StopTimeout <= 0 || c.Bot.KillTimeout <= 0:
		return errors.New("bot.stop_timeout and bot.kill_timeout must be positive")
	case c.Bot.TailSize < 0:
		return errors.New("bot.tail_size must not be negative")
	}
	return nil
}

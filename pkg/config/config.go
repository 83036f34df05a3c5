// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config is the layered configuration loader (C11): built-in
// defaults, overridden by an INI file, overridden by PX_* environment
// variables, overridden by CLI flags — the same precedence order as the
// original implementation's parse_config()/parse_env()/parse_cli() chain,
// collapsed here into one pass over an option table instead of three
// separate ad hoc parsers.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config is Px's full runtime configuration, one field per recognized
// option from SPEC_FULL.md §6.
type Config struct {
	Server      string
	PAC         string
	PACEncoding string
	Port        int
	Listen      []string
	Allow       string
	Gateway     bool
	HostOnly    bool
	NoProxy     string
	UserAgent   string
	Username    string
	Auth        string

	Workers     int
	Threads     int
	Idle        time.Duration
	SockTimeout time.Duration
	ProxyReload time.Duration
	Foreground  bool
	Log         int

	// ConfigFile is the INI path Load read (an explicit --config path is
	// kept even when the file does not exist) and the path Save writes to;
	// when no file was found it is px.ini in the working directory.
	ConfigFile string
}

// Actions are one-shot CLI verbs that don't persist into the INI file.
type Actions struct {
	Save      bool
	Install   bool
	Uninstall bool
	Quit      bool
	Restart   bool
	Password  bool
	Test      string
	Help      bool
}

// defaults returns the built-in option defaults, the lowest-precedence
// layer.
func defaults() Config {
	return Config{
		PACEncoding: "utf-8",
		Port:        3128,
		Listen:      []string{"127.0.0.1"},
		Allow:       "*.*.*.*",
		Auth:        "ANY",
		Workers:     2,
		Threads:     32,
		Idle:        30 * time.Second,
		SockTimeout: 20 * time.Second,
		ProxyReload: 60 * time.Second,
		Log:         0,
	}
}

// Load builds a Config by applying, in increasing precedence: built-in
// defaults, the INI file named by --config (or ./px.ini if it exists),
// PX_* environment variables, then the CLI flags in args. It also
// extracts the one-shot Actions.
func Load(args []string) (*Config, Actions, error) {
	cfg := defaults()

	flags := pflag.NewFlagSet("px", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to an INI config file")
	bound := bindFlags(flags, &cfg)

	var actions Actions
	flags.BoolVar(&actions.Save, "save", false, "save the effective configuration to the INI file and exit")
	flags.BoolVar(&actions.Install, "install", false, "install Px as a startup service and exit")
	flags.BoolVar(&actions.Uninstall, "uninstall", false, "remove the Px startup service and exit")
	flags.BoolVar(&actions.Quit, "quit", false, "stop a running Px instance and exit")
	flags.BoolVar(&actions.Restart, "restart", false, "restart a running Px instance and exit")
	flags.BoolVar(&actions.Password, "password", false, "interactively set the stored credential and exit")
	flags.StringVar(&actions.Test, "test", "", "fetch URL through the running configuration to verify connectivity, then exit")
	flags.BoolVar(&actions.Help, "help", false, "print usage and exit")

	if err := flags.Parse(args); err != nil {
		return nil, Actions{}, err
	}

	// pflag wrote the CLI values straight into cfg, and the INI and env
	// layers below write through the same fields, so capture the CLI
	// values now and re-apply them last.
	cliValues := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		v := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			v = strings.Join(sv.GetSlice(), ",")
		}
		cliValues[f.Name] = v
	})

	path := *configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		if err := applyINI(path, &cfg, bound); err != nil {
			return nil, Actions{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		cfg.ConfigFile = path
	} else {
		cfg.ConfigFile = defaultConfigFile
	}

	applyEnv(&cfg, bound)

	for name, v := range cliValues {
		if setter, ok := bound[name]; ok {
			_ = setter.fromString(v)
		}
	}

	return &cfg, actions, nil
}

const defaultConfigFile = "px.ini"

// Save writes cfg to path in the same [section]/key = value INI shape
// applyINI reads, so a saved file round-trips exactly. No INI library
// appears anywhere in the retrieved corpus, so both directions of this
// codec are hand-rolled against the well-known, narrow INI grammar
// SPEC_FULL.md's option table already specifies (section, key, string
// value) — see DESIGN.md.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	bySection := map[string][]optionSpec{}
	var order []string
	for _, opt := range optionTable(c) {
		if _, ok := bySection[opt.section]; !ok {
			order = append(order, opt.section)
		}
		bySection[opt.section] = append(bySection[opt.section], opt)
	}

	for _, section := range order {
		fmt.Fprintf(w, "[%s]\n", section)
		for _, opt := range bySection[section] {
			fmt.Fprintf(w, "%s = %s\n", opt.key, opt.get())
		}
		fmt.Fprintln(w)
	}

	return nil
}

// boundOption is one option wired to a live Config field: fromFlag
// applies a pflag.Flag's current value, fromString applies a raw string
// from the INI file, the environment, or a captured CLI value.
type boundOption struct {
	fromFlag   func(*pflag.Flag)
	fromString func(string) error
}

type optionSpec struct {
	section string
	key     string
	envName string
	get     func() string
}

func bindFlags(flags *pflag.FlagSet, cfg *Config) map[string]boundOption {
	flags.StringVar(&cfg.Server, "server", cfg.Server, "static upstream proxy list host:port,...")
	flags.StringVar(&cfg.PAC, "pac", cfg.PAC, "PAC file URL or path")
	flags.StringVar(&cfg.PACEncoding, "pac_encoding", cfg.PACEncoding, "PAC script text encoding")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flags.StringSliceVar(&cfg.Listen, "listen", cfg.Listen, "listen interface addresses")
	flags.StringVar(&cfg.Allow, "allow", cfg.Allow, "client IP admission rule")
	flags.BoolVar(&cfg.Gateway, "gateway", cfg.Gateway, "listen on all interfaces")
	flags.BoolVar(&cfg.HostOnly, "hostonly", cfg.HostOnly, "restrict admission to local-interface clients")
	flags.StringVar(&cfg.NoProxy, "noproxy", cfg.NoProxy, "hosts that bypass the upstream proxy")
	flags.StringVar(&cfg.UserAgent, "useragent", cfg.UserAgent, "override the client's User-Agent header")
	flags.StringVar(&cfg.Username, "username", cfg.Username, "principal for upstream credential lookup")
	flags.StringVar(&cfg.Auth, "auth", cfg.Auth, "upstream auth scheme: NTLM, NEGOTIATE, DIGEST, BASIC, ANY")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker process count")
	flags.IntVar(&cfg.Threads, "threads", cfg.Threads, "per-process connection pool size")
	idleSeconds := flags.Int("idle", int(cfg.Idle/time.Second), "CONNECT idle timeout, seconds")
	sockSeconds := flags.Float64("socktimeout", cfg.SockTimeout.Seconds(), "socket I/O timeout, seconds")
	reloadSeconds := flags.Int("proxyreload", int(cfg.ProxyReload/time.Second), "PAC/system resolver refresh interval, seconds")
	flags.BoolVar(&cfg.Foreground, "foreground", cfg.Foreground, "do not daemonize")
	flags.IntVar(&cfg.Log, "log", cfg.Log, "debug sink mode, 0-4")

	cfg.Idle = time.Duration(*idleSeconds) * time.Second
	cfg.SockTimeout = time.Duration(*sockSeconds * float64(time.Second))
	cfg.ProxyReload = time.Duration(*reloadSeconds) * time.Second

	bound := map[string]boundOption{
		"server":       {fromString: func(v string) error { cfg.Server = v; return nil }},
		"pac":          {fromString: func(v string) error { cfg.PAC = v; return nil }},
		"pac_encoding": {fromString: func(v string) error { cfg.PACEncoding = v; return nil }},
		"port":         {fromString: intSetter(&cfg.Port)},
		"listen":       {fromString: func(v string) error { cfg.Listen = splitCSV(v); return nil }},
		"allow":        {fromString: func(v string) error { cfg.Allow = v; return nil }},
		"gateway":      {fromString: boolSetter(&cfg.Gateway)},
		"hostonly":     {fromString: boolSetter(&cfg.HostOnly)},
		"noproxy":      {fromString: func(v string) error { cfg.NoProxy = v; return nil }},
		"useragent":    {fromString: func(v string) error { cfg.UserAgent = v; return nil }},
		"username":     {fromString: func(v string) error { cfg.Username = v; return nil }},
		"auth":         {fromString: func(v string) error { cfg.Auth = strings.ToUpper(v); return nil }},
		"workers":      {fromString: intSetter(&cfg.Workers)},
		"threads":      {fromString: intSetter(&cfg.Threads)},
		"idle":         {fromString: durationSecondsSetter(&cfg.Idle)},
		"socktimeout":  {fromString: durationFloatSecondsSetter(&cfg.SockTimeout)},
		"proxyreload":  {fromString: durationSecondsSetter(&cfg.ProxyReload)},
		"foreground":   {fromString: boolSetter(&cfg.Foreground)},
		"log":          {fromString: intSetter(&cfg.Log)},
	}
	for name, b := range bound {
		name, b := name, b
		f := flags.Lookup(name)
		bound[name] = boundOption{
			fromFlag:   func(*pflag.Flag) { _ = b.fromString(f.Value.String()) },
			fromString: b.fromString,
		}
	}
	return bound
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func durationSecondsSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}
}

func durationFloatSecondsSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*dst = time.Duration(f * float64(time.Second))
		return nil
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envName maps an option's flag name to its PX_<UPPER> environment
// variable, per SPEC_FULL.md §6.
func envName(flagName string) string {
	return "PX_" + strings.ToUpper(flagName)
}

func applyEnv(cfg *Config, bound map[string]boundOption) {
	for name, b := range bound {
		val, ok := os.LookupEnv(envName(name))
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		if err := b.fromString(val); err != nil {
			// Config parse error on one key: keep the existing value,
			// log only — never fail startup over one bad env var.
			fmt.Fprintf(os.Stderr, "px: ignoring invalid %s=%q: %v\n", envName(name), val, err)
		}
	}
}

// applyINI parses a minimal "[section]\nkey = value" file. Lines
// starting with ; or # are comments; section headers are cosmetic here
// (every key name is already unique across sections in the option
// table), matching the original implementation's use of Python's
// configparser with two flat sections.
func applyINI(path string, cfg *Config, bound map[string]boundOption) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		b, ok := bound[key]
		if !ok {
			continue
		}
		if err := b.fromString(val); err != nil {
			fmt.Fprintf(os.Stderr, "px: ignoring invalid %s in %s: %v\n", key, path, err)
		}
	}
	return scanner.Err()
}

// optionTable is the canonical (section, key, env name, current value)
// list Save walks. Defaults live in defaults() and parsing in bindFlags,
// not in this table.
func optionTable(c *Config) []optionSpec {
	str := func(s string) func() string { return func() string { return s } }
	return []optionSpec{
		{"proxy", "server", "PX_SERVER", str(c.Server)},
		{"proxy", "pac", "PX_PAC", str(c.PAC)},
		{"proxy", "pac_encoding", "PX_PAC_ENCODING", str(c.PACEncoding)},
		{"proxy", "port", "PX_PORT", str(strconv.Itoa(c.Port))},
		{"proxy", "listen", "PX_LISTEN", str(strings.Join(c.Listen, ","))},
		{"proxy", "allow", "PX_ALLOW", str(c.Allow)},
		{"proxy", "gateway", "PX_GATEWAY", str(strconv.FormatBool(c.Gateway))},
		{"proxy", "hostonly", "PX_HOSTONLY", str(strconv.FormatBool(c.HostOnly))},
		{"proxy", "noproxy", "PX_NOPROXY", str(c.NoProxy)},
		{"proxy", "useragent", "PX_USERAGENT", str(c.UserAgent)},
		{"proxy", "username", "PX_USERNAME", str(c.Username)},
		{"proxy", "auth", "PX_AUTH", str(c.Auth)},
		{"settings", "workers", "PX_WORKERS", str(strconv.Itoa(c.Workers))},
		{"settings", "threads", "PX_THREADS", str(strconv.Itoa(c.Threads))},
		{"settings", "idle", "PX_IDLE", str(strconv.Itoa(int(c.Idle / time.Second)))},
		{"settings", "socktimeout", "PX_SOCKTIMEOUT", str(strconv.FormatFloat(c.SockTimeout.Seconds(), 'f', -1, 64))},
		{"settings", "proxyreload", "PX_PROXYRELOAD", str(strconv.Itoa(int(c.ProxyReload / time.Second)))},
		{"settings", "foreground", "PX_FOREGROUND", str(strconv.FormatBool(c.Foreground))},
		{"settings", "log", "PX_LOG", str(strconv.Itoa(c.Log))},
	}
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

type constants struct {
	pollInterval time.Duration
	timeout      time.Duration
	filter       string
	copyQuery    string
	remember     bool

	// --serve mode.
	address  string
	username string
	password string
}

// cfgPaths are the config files given on startup, in load order. The
// first one is where --remember and --new-config write.
var cfgPaths []string

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{defaultConfigPath()},
		"Path to one or more TOML config files to load in order")
	f.StringP("reader", "r", "", "Exact name or regexp of the PC/SC reader to use. Empty picks the first one")
	f.StringP("password", "p", "", "Password of the token's OTP applet, if it is protected")
	f.String("filter", "", "Case-insensitive regexp keeping only matching issuers or accounts")
	f.String("copy", "", "Copy the first code matching this regexp into the clipboard")
	f.Bool("remember", false, "Save the reader and password to the config file after a read")
	f.Duration("timeout", 30*time.Second, "How long to wait for a readable token. 0 waits forever")
	f.Duration("poll-interval", 100*time.Millisecond, "How often to poll the reader for a token")
	f.Bool("serve", false, "Keep running and expose the codes over a local HTTP API")
	f.Bool("new-config", false, "Generate a sample config file and exit")
	f.Bool("debug", false, "Enable debug logging")
	f.Bool("version", false, "Show build version")
	if err := f.Parse(os.Args[1:]); err != nil {
		log.Fatalf("error parsing flags: %v", err)
	}

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files. The default one is optional.
	cfgPaths, _ = f.GetStringSlice("config")
	for _, c := range cfgPaths {
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			log.Fatalf("error reading config %s: %v", c, err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("VIVOKEY_CODES_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VIVOKEY_CODES_")), "__", ".", -1)
	}), nil); err != nil {
		log.Fatalf("error loading env config: %v", err)
	}

	ko.Load(posflag.ProviderWithValue(f, ".", ko, flagToKey), nil)
}

// flagToKey maps flag names onto their config file keys.
func flagToKey(key, value string) (string, interface{}) {
	switch key {
	case "reader", "password", "remember", "timeout":
		return "app." + key, value
	case "poll-interval":
		return "app.poll_interval", value
	}
	return key, value
}

func initConstants() constants {
	c := constants{
		pollInterval: ko.Duration("app.poll_interval"),
		timeout:      ko.Duration("app.timeout"),
		filter:       ko.String("filter"),
		copyQuery:    ko.String("copy"),
		remember:     ko.Bool("app.remember"),
		address:      ko.String("server.address"),
		username:     ko.String("server.username"),
		password:     ko.String("server.password"),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 100 * time.Millisecond
	}
	if c.address == "" {
		c.address = "127.0.0.1:9044"
	}
	return c
}

// initLogger initializes the logger.
func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is the root to mount the files in the
			// FileSystem and the rest are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vivokey_codes.toml"
	}
	return filepath.Join(home, ".vivokey_codes.toml")
}

// newConfigFile writes the sample config to the first --config path.
func newConfigFile(fs stuffbin.FileSystem) error {
	path := cfgPaths[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists. Remove it to generate a new one", path)
	}

	b, err := fs.Read("/static/config.sample.toml")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return err
	}

	fmt.Printf("generated %s. Edit it and run again\n", path)
	return nil
}

// saveConfig persists the reader and password for the next run, readable
// by the owner alone.
func saveConfig() error {
	path := cfgPaths[0]

	out := koanf.New(".")
	if err := out.Load(file.Provider(path), toml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for k, v := range map[string]interface{}{
		"app.reader":   ko.String("app.reader"),
		"app.password": ko.String("app.password"),
		"app.remember": true,
	} {
		if err := out.Set(k, v); err != nil {
			return err
		}
	}

	b, err := out.Marshal(toml.Parser())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return err
	}

	// WriteFile keeps the mode of a preexisting file.
	return os.Chmod(path, 0600)
}

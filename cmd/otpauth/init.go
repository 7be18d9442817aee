package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/otpauth/internal/auth"
	"github.com/knadh/otpauth/internal/codes"
	"github.com/knadh/otpauth/internal/directory/circle"
	"github.com/knadh/otpauth/internal/notify"
	"github.com/knadh/otpauth/internal/providers/pinpoint"
	"github.com/knadh/otpauth/internal/providers/sendgrid"
	"github.com/knadh/otpauth/internal/providers/smtp"
	"github.com/knadh/otpauth/internal/providers/webhook"
	"github.com/knadh/otpauth/internal/ratelimit"
	"github.com/knadh/otpauth/internal/store"
	"github.com/knadh/otpauth/internal/store/memory"
	"github.com/knadh/otpauth/internal/store/redis"
	"github.com/knadh/otpauth/internal/tokens"
	"github.com/knadh/otpauth/pkg/models"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const (
	sampleConfig = "/config.sample.toml"

	tplHTML = "/static/email.html"
	tplText = "/static/email.txt"

	defaultSubject = "{{ .Code }} - your {{ .AppName }} login code"
)

type constants struct {
	AppName     string
	MaxAttempts int
}

func initLogger(debug bool) logf.Logger {
	opt := logf.Opts{
		EnableCaller: true,
		Level:        logf.InfoLevel,
	}
	if debug {
		opt.Level = logf.DebugLevel
	}
	return logf.New(opt)
}

func initConfig(lo logf.Logger) {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("new-config", false, "Generate a sample config.toml in the current directory")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		lo.Info("reading config", "file", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lo.Warn("config file not found. Run --new-config to generate one.", "file", f)
				continue
			}
			lo.Fatal("error reading config", "error", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	// eg: OTP_AUTH_STORE__REDIS__HOST => store.redis.host.
	if err := ko.Load(env.Provider("OTP_AUTH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTP_AUTH_")), "__", ".", -1)
	}), nil); err != nil {
		lo.Error("error loading env config", "error", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// newConfigFile writes the embedded sample config to path.
func newConfigFile(fs stuffbin.FileSystem, path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return fmt.Errorf("%s exists. Remove it to generate a new one", path)
	}

	b, err := fs.Read(sampleConfig)
	if err != nil {
		return fmt.Errorf("error reading sample config: %v", err)
	}

	return os.WriteFile(path, b, 0600)
}

func initFS(exe string) (stuffbin.FileSystem, error) {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Fall back to the local filesystem.
		if err != stuffbin.ErrNoID {
			return nil, fmt.Errorf("error reading stuffed binary: %v", err)
		}

		fs, err = stuffbin.NewLocalFS("/", "static/", "config.sample.toml")
		if err != nil {
			return nil, fmt.Errorf("error falling back to local filesystem: %v", err)
		}
	}

	return fs, nil
}

// initStore returns the configured key-value store.
func initStore(lo logf.Logger) (store.Store, func()) {
	switch typ := ko.String("store.type"); typ {
	case "", "redis":
		var c redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading store.redis config", "error", err)
		}
		r := redis.New(c)
		return r, func() { r.Close() }

	case "memory":
		lo.Warn("using the in-memory store. State is lost on restart and not shared between instances.")
		return memory.New(nil), func() {}

	default:
		lo.Fatal("unknown store.type", "type", typ)
	}

	return nil, nil
}

// initProvider loads the configured delivery provider.
func initProvider() (models.Provider, error) {
	var (
		name = ko.String("delivery.provider")
		key  = "provider." + name
		uc   = koanf.UnmarshalConf{Tag: "json"}
	)

	switch name {
	case "smtp":
		var c smtp.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			return nil, err
		}
		p, err := smtp.New(c)
		if err != nil {
			return nil, err
		}
		return p, nil

	case "sendgrid":
		var c sendgrid.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			return nil, err
		}
		p, err := sendgrid.New(c)
		if err != nil {
			return nil, err
		}
		return p, nil

	case "pinpoint":
		var c pinpoint.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			return nil, err
		}
		p, err := pinpoint.New(c)
		if err != nil {
			return nil, err
		}
		return p, nil

	case "webhook":
		var c webhook.Config
		if err := ko.UnmarshalWithConf(key, &c, uc); err != nil {
			return nil, err
		}
		p, err := webhook.New(c)
		if err != nil {
			return nil, err
		}
		return p, nil

	case "":
		return nil, errors.New("delivery.provider is not set")
	}

	return nil, fmt.Errorf("unknown delivery.provider '%s'", name)
}

// initTemplates loads the e-mail templates. Paths set in the config are
// read from disk and override the embedded defaults.
func initTemplates(fs stuffbin.FileSystem) (notify.Templates, error) {
	var (
		out notify.Templates
		c   models.ProviderConfig
	)
	if err := ko.UnmarshalWithConf("delivery", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return out, err
	}

	if c.Subject == "" {
		c.Subject = defaultSubject
	}
	s, err := notify.ParseSubject(c.Subject)
	if err != nil {
		return out, fmt.Errorf("error parsing subject: %v", err)
	}
	out.Subject = s

	b, err := readTemplate(fs, c.HTMLTemplate, tplHTML)
	if err != nil {
		return out, err
	}
	if out.HTML, err = notify.ParseHTML("html", string(b)); err != nil {
		return out, fmt.Errorf("error parsing HTML template: %v", err)
	}

	b, err = readTemplate(fs, c.TextTemplate, tplText)
	if err != nil {
		return out, err
	}
	if out.Text, err = notify.ParseText("text", string(b)); err != nil {
		return out, fmt.Errorf("error parsing text template: %v", err)
	}

	return out, nil
}

func readTemplate(fs stuffbin.FileSystem, path, fallback string) ([]byte, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading template %s: %v", path, err)
		}
		return b, nil
	}

	b, err := fs.Read(fallback)
	if err != nil {
		return nil, fmt.Errorf("error reading template %s: %v", fallback, err)
	}
	return b, nil
}

// initAuth wires the code store, limiter, member directory, notifier and
// token issuer into the login state machine.
func initAuth(kv store.Store, prov models.Provider, tpl notify.Templates, lo logf.Logger) (*auth.Auth, error) {
	var cc circle.Conf
	if err := ko.UnmarshalWithConf("directory.circle", &cc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	dir, err := circle.New(cc, lo)
	if err != nil {
		return nil, fmt.Errorf("error initializing member directory: %v", err)
	}

	var tc tokens.Conf
	if err := ko.UnmarshalWithConf("token", &tc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	if tc.Issuer == "" {
		tc.Issuer = ko.String("app.name")
	}
	tk, err := tokens.New(tc, nil)
	if err != nil {
		return nil, fmt.Errorf("error initializing token issuer: %v", err)
	}

	var (
		c = initCodes(kv)
		n = notify.New(prov, tpl, ko.String("app.name"), c.TTL())
	)
	return auth.New(c, initLimiter(kv), dir, n, tk, lo), nil
}

func initCodes(kv store.Store) *codes.Store {
	return codes.New(kv, codes.Opt{
		Length:      ko.Int("otp.length"),
		TTL:         ko.Duration("otp.ttl"),
		MaxAttempts: ko.Int("otp.max_attempts"),
	})
}

func initLimiter(kv store.Store) *ratelimit.Limiter {
	return ratelimit.New(kv, ratelimit.Opt{
		Max:    ko.Int("ratelimit.max"),
		Window: ko.Duration("ratelimit.window"),
	})
}

func initValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

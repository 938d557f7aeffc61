package main

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mailforward/mailbox"
)

type telegramConfig struct {
	Token     string        `env:"TELEGRAM_TOKEN,required"`
	ChatID    string        `env:"TELEGRAM_CHAT_ID,required"`
	APIURL    string        `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	Timeout   time.Duration `env:"TELEGRAM_TIMEOUT" envDefault:"30s"`
	PartDelay time.Duration `env:"TELEGRAM_PART_DELAY" envDefault:"500ms"`
}

type imapConfig struct {
	Mailbox        string        `env:"IMAP_MAILBOX" envDefault:"INBOX"`
	ConnectTimeout time.Duration `env:"IMAP_CONNECT_TIMEOUT" envDefault:"10s"`
	CycleTimeout   time.Duration `env:"IMAP_CYCLE_TIMEOUT" envDefault:"5m"`
	MarkSeen       bool          `env:"IMAP_MARK_SEEN" envDefault:"false"`
}

type pollConfig struct {
	Interval time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	Warmup   time.Duration `env:"POLL_WARMUP" envDefault:"10s"`
}

type botConfig struct {
	WebhookURL    string `env:"BOT_WEBHOOK_URL"`
	Listen        string `env:"BOT_LISTEN" envDefault:":8080"`
	AllowedChatID string `env:"BOT_ALLOWED_CHAT_ID"`
}

type logConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

type config struct {
	Telegram     telegramConfig
	IMAP         imapConfig
	Poll         pollConfig
	Bot          botConfig
	Log          logConfig
	AccountsFile string `env:"ACCOUNTS_FILE" envDefault:"accounts.yaml"`
	RenderHTML   bool   `env:"RENDER_HTML" envDefault:"false"`

	Accounts []mailbox.Account
}

type accountsFile struct {
	Accounts []mailbox.Account `yaml:"accounts"`
}

// loadConfig reads envFile (if present) into the environment, parses the
// environment and loads the accounts file. accountsPath overrides
// ACCOUNTS_FILE when set.
func loadConfig(envFile, accountsPath string) (*config, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(err, "load %s", envFile)
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if accountsPath != "" {
		cfg.AccountsFile = accountsPath
	}

	accts, err := loadAccounts(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accts

	if cfg.Bot.AllowedChatID == "" {
		cfg.Bot.AllowedChatID = cfg.Telegram.ChatID
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadAccounts(path string) ([]mailbox.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read accounts file")
	}
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	for i := range f.Accounts {
		a := &f.Accounts[i]
		a.Server = strings.TrimSpace(a.Server)
		a.Username = strings.TrimSpace(a.Username)
	}
	return f.Accounts, nil
}

func (c *config) validate() error {
	if !strings.Contains(c.Telegram.Token, ":") {
		return errors.New("TELEGRAM_TOKEN does not look like a bot token")
	}
	if c.Poll.Interval <= 0 {
		return errors.Errorf("POLL_INTERVAL must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.Warmup < 0 {
		return errors.Errorf("POLL_WARMUP must not be negative, got %s", c.Poll.Warmup)
	}
	if len(c.Accounts) == 0 {
		return errors.Errorf("no accounts in %s", c.AccountsFile)
	}
	for i, a := range c.Accounts {
		switch {
		case a.Server == "":
			return errors.Errorf("account %d: server is empty", i+1)
		case a.Username == "":
			return errors.Errorf("account %d: email is empty", i+1)
		case a.Password == "":
			return errors.Errorf("account %d (%s): password is empty", i+1, a.Username)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("LOG_FORMAT must be console or json, got %q", c.Log.Format)
	}
	return nil
}

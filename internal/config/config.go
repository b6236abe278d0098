package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Remote job ceilings. Configured timeouts are clamped to these.
const (
	MaxImageTimeout = 120 * time.Second
	MaxVideoTimeout = 300 * time.Second
)

// Package is a purchasable credit bundle.
type Package struct {
	Key     string          `validate:"required"`
	Credits int64           `validate:"gt=0"`
	Price   decimal.Decimal `validate:"-"`
}

type Generation struct {
	ImageURL          string        `validate:"required,url"`
	VideoURL          string        `validate:"required,url"`
	PublicURL         string        `validate:"omitempty,url"`
	ClientID          string        `validate:"required"`
	ImageTimeout      time.Duration `validate:"gt=0"`
	VideoTimeout      time.Duration `validate:"gt=0"`
	ImagePollInterval time.Duration `validate:"gt=0"`
	VideoPollInterval time.Duration `validate:"gt=0"`
	SubmitAttempts    int           `validate:"gte=1,lte=10"`
	WorkflowDir       string
}

type Payments struct {
	WebhookSecret  string
	PlisioAPIKey   string
	CallbackURL    string `validate:"omitempty,url"`
	DefaultCredits int64  `validate:"gt=0"`
	Packages       map[string]Package
}

// Config is built once at startup and passed explicitly to every component.
type Config struct {
	Port              string `validate:"required,numeric"`
	DatabaseURL       string
	TelegramToken     string
	AdminIDs          []int64
	JWTSecret         string   `validate:"omitempty,min=16"`
	APIKeyHashes      []string `validate:"dive,len=64,hexadecimal"`
	CORSOrigins       []string
	SignupGrant       int64 `validate:"gte=0"`
	ImageCost         int64 `validate:"gt=0"`
	VideoCost         int64 `validate:"gt=0"`
	CheckinReward     int64 `validate:"gte=0"`
	DailySpendLimit   int64 `validate:"gte=0"`
	WorkerConcurrency int   `validate:"gte=1"`
	// Open jobs allowed per kind before new requests are refused; 0 = unlimited.
	ImageMaxConcurrent int `validate:"gte=0"`
	VideoMaxConcurrent int `validate:"gte=0"`
	Generation         Generation
	Payments           Payments
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded, using process environment")
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}
	cfg := &Config{
		Port:               e.str("PORT", "8080"),
		DatabaseURL:        e.str("DATABASE_URL", ""),
		TelegramToken:      e.str("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:           e.int64List("ADMIN_IDS"),
		JWTSecret:          e.str("JWT_SECRET", ""),
		APIKeyHashes:       hashKeys(e.list("API_KEYS")),
		CORSOrigins:        e.list("CORS_ORIGINS"),
		SignupGrant:        e.int64("SIGNUP_GRANT_CREDITS", 25),
		ImageCost:          e.int64("COST_IMAGE", 1),
		VideoCost:          e.int64("COST_VIDEO", 20),
		CheckinReward:      e.int64("CHECKIN_REWARD", 3),
		DailySpendLimit:    e.int64("DAILY_SPEND_LIMIT", 0),
		WorkerConcurrency:  int(e.int64("WORKER_CONCURRENCY", 10)),
		ImageMaxConcurrent: int(e.int64("IMAGE_MAX_CONCURRENT", 0)),
		VideoMaxConcurrent: int(e.int64("VIDEO_MAX_CONCURRENT", 5)),
		Generation: Generation{
			ImageURL:          e.str("COMFYUI_IMAGE_URL", "http://localhost:8188"),
			VideoURL:          e.str("COMFYUI_VIDEO_URL", "http://localhost:8189"),
			PublicURL:         e.str("COMFYUI_PUBLIC_URL", ""),
			ClientID:          e.str("COMFYUI_CLIENT_ID", "genbot"),
			ImageTimeout:      clamp(e.duration("IMAGE_TIMEOUT", MaxImageTimeout), MaxImageTimeout),
			VideoTimeout:      clamp(e.duration("VIDEO_TIMEOUT", MaxVideoTimeout), MaxVideoTimeout),
			ImagePollInterval: e.duration("IMAGE_POLL_INTERVAL", 2*time.Second),
			VideoPollInterval: e.duration("VIDEO_POLL_INTERVAL", 3*time.Second),
			SubmitAttempts:    int(e.int64("SUBMIT_ATTEMPTS", 3)),
			WorkflowDir:       e.str("WORKFLOW_DIR", ""),
		},
		Payments: Payments{
			WebhookSecret:  e.str("PAYMENT_WEBHOOK_SECRET", ""),
			PlisioAPIKey:   e.str("PLISIO_API_KEY", ""),
			CallbackURL:    e.str("PAYMENT_CALLBACK_URL", ""),
			DefaultCredits: e.int64("PAYMENT_DEFAULT_CREDITS", 100),
		},
	}
	if e.err != nil {
		return nil, e.err
	}
	pkgs, err := ParsePackages(e.str("PAYMENT_PACKAGES", "test:10:1.00,mini:60:4.99,pro:130:9.99,ultra:450:29.99"))
	if err != nil {
		return nil, err
	}
	cfg.Payments.Packages = pkgs

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.AdminIDs) > 0 && cfg.JWTSecret == "" {
		return nil, errors.New("invalid config: JWT_SECRET is required when ADMIN_IDS is set")
	}
	return cfg, nil
}

// IsAdmin reports whether the Telegram id is in ADMIN_IDS.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// JobCost returns the credit price for a job kind, or 0 for an unknown kind.
func (c *Config) JobCost(kind string) int64 {
	switch kind {
	case "image":
		return c.ImageCost
	case "video":
		return c.VideoCost
	}
	return 0
}

// MaxConcurrent returns the open-job cap for a kind, or 0 for no cap.
func (c *Config) MaxConcurrent(kind string) int {
	switch kind {
	case "image":
		return c.ImageMaxConcurrent
	case "video":
		return c.VideoMaxConcurrent
	}
	return 0
}

// SortedPackages returns packages ordered by credits, for menus.
func (p Payments) SortedPackages() []Package {
	out := make([]Package, 0, len(p.Packages))
	for _, pkg := range p.Packages {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}

// ParsePackages parses "key:credits:price" entries separated by commas.
func ParsePackages(s string) (map[string]Package, error) {
	out := make(map[string]Package)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid package %q: want key:credits:price", item)
		}
		credits, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || credits <= 0 {
			return nil, fmt.Errorf("invalid credits in package %q", item)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("invalid price in package %q", item)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		out[key] = Package{Key: key, Credits: credits, Price: price}
	}
	return out, nil
}

// HashKey returns the hex SHA-256 of a raw service API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func hashKeys(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, HashKey(k))
	}
	return out
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) list(key string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) int64(key string, def int64) int64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) int64List(key string) []int64 {
	var out []int64
	for _, p := range e.list(key) {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			e.fail(key, err)
			continue
		}
		out = append(out, n)
	}
	return out
}

// duration accepts Go durations ("90s") or plain seconds ("90").
func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config %s: %w", key, err)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION - Environment driven, fail fast on invalid values
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything comes from the environment (optionally seeded by a .env file).
// Load validates thresholds up front; a broken value stops the process at
// start rather than surfacing mid-trade.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config is the full runtime configuration.
type Config struct {
	// Mode
	DryRun  bool
	Magic   int64
	LogJSON bool

	// Broker bridge
	BridgeURL string

	// Telegram operator surface
	TelegramToken  string
	TelegramChatID int64
	AdminUsers     []string
	StealthEnabled bool
	ReplayEnabled  bool

	// External parser service (optional; rule parser is the fallback)
	ParserURL     string
	ParserTimeout time.Duration

	// Engine
	ExecutorWorkers  int
	QuoteTTL         time.Duration
	MonitorInterval  time.Duration // multi-TP loop
	MarginInterval   time.Duration
	SpreadInterval   time.Duration // adjustor loop
	MergeInterval    time.Duration // multi-signal bucket processing
	SignalBufferSize int           // per-symbol FIFO cap

	Merge      MergeConfig
	Rate       RateConfig
	Margin     MarginConfig
	Spread     SpreadConfig
	Sizing     SizingConfig
	Entry      EntryConfig
	Randomizer RandomizerConfig
	SmartEntry SmartEntryConfig
	MultiTP    MultiTPConfig
	Trailing   TrailingConfig
	BreakEven  BreakEvenConfig
	Adjust     AdjustConfig
	Edit       EditConfig

	// Storage
	StateDir    string
	DatabaseDSN string
}

// MergeConfig drives the multi-signal handler.
type MergeConfig struct {
	TolerancePips       decimal.Decimal
	ConflictMethod      string // HIGHEST_PRIORITY, HIGHEST_CONFIDENCE, NEWEST_WINS, OLDEST_WINS, CANCEL_ALL
	ConfidenceThreshold decimal.Decimal
	ProviderWeights     map[string]decimal.Decimal // default 1.0
}

// RateConfig bounds signal throughput per scope.
type RateConfig struct {
	SymbolHourly           int
	SymbolDaily            int
	ProviderHourly         int
	ProviderDaily          int
	GlobalHourly           int
	GlobalDaily            int
	Cooldown               time.Duration
	EmergencyOverrideLimit int
	// Per-key overrides replace the hourly cap only; the daily caps above
	// stay global so an override cannot lift the day's total.
	SymbolLimits   map[string]int
	ProviderLimits map[string]int
}

// MarginConfig holds the margin guard thresholds (percent margin level).
type MarginConfig struct {
	Safe           decimal.Decimal
	Warning        decimal.Decimal
	Critical       decimal.Decimal
	MarginCall     decimal.Decimal
	EmergencyClose decimal.Decimal
	AlertCooldown  time.Duration
	// Per-symbol risk multipliers applied to required margin.
	RiskMultipliers map[string]decimal.Decimal
}

// SpreadConfig gates execution on spread width.
type SpreadConfig struct {
	DefaultThresholdPips decimal.Decimal
	SymbolThresholds     map[string]decimal.Decimal
}

// SizingConfig drives the lot sizer.
type SizingConfig struct {
	Mode      string // FIXED_LOT, RISK_PERCENT, BALANCE_PERCENT, FIXED_CASH, PIP_VALUE_TARGET, TEXT_OVERRIDE
	Parameter decimal.Decimal
	MinLot    decimal.Decimal
	MaxLot    decimal.Decimal
	Precision int32
}

// EntryConfig selects the default entry mode.
type EntryConfig struct {
	Mode string // BEST, AVERAGE, SECOND, FIRST
}

// RandomizerConfig perturbs lot sizes.
type RandomizerConfig struct {
	Enabled          bool
	VarianceRange    decimal.Decimal
	Precision        int32
	AvoidRepeats     bool
	MaxRepeatHistory int
	MaxRedraws       int
}

// SmartEntryConfig bounds the pullback waiters.
type SmartEntryConfig struct {
	Enabled             bool
	DefaultWait         time.Duration
	PriceTolerancePips  decimal.Decimal
	MaxConcurrent       int
	FallbackToImmediate bool
}

// MultiTPConfig drives the partial-close manager.
type MultiTPConfig struct {
	Interval           time.Duration
	SLShiftMode        string // NONE, BREAK_EVEN, NEXT_TP
	SLBufferPips       decimal.Decimal
	MinRemainingVolume decimal.Decimal
	MaxSlippagePips    int
}

// TrailingConfig drives the trailing stop engine defaults.
type TrailingConfig struct {
	Enabled        bool
	Method         string // FIXED_PIPS, PERCENT, BREAK_EVEN_PLUS, ATR_MULTIPLE
	Distance       decimal.Decimal
	ActivationPips decimal.Decimal
	StepPips       decimal.Decimal
	BreakevenLock  bool
	Interval       time.Duration
}

// BreakEvenConfig drives the break-even engine defaults.
type BreakEvenConfig struct {
	Enabled            bool
	Trigger            string // FIXED_PIPS, PERCENTAGE, TIME_BASED, RATIO_BASED
	ThresholdValue     decimal.Decimal
	BufferPips         decimal.Decimal
	MinProfitPips      decimal.Decimal
	OnlyWhenProfitable bool
	Interval           time.Duration
}

// AdjustConfig drives the spread/volatility SL-TP adjustor defaults.
type AdjustConfig struct {
	Enabled           bool
	Mode              string // SPREAD_BASED, VOLATILITY_BASED
	HighSpreadPips    decimal.Decimal
	LowSpreadPips     decimal.Decimal
	SLBufferPips      decimal.Decimal
	TPBufferPips      decimal.Decimal
	TightenOnCalm     bool
	MaxSessionPips    decimal.Decimal // cumulative adjustment budget per position
	MinInterval       time.Duration
	MinDistancePips   decimal.Decimal // broker stop distance floor
	Interval          time.Duration
}

// EditConfig bounds what a signal edit may change on open positions.
type EditConfig struct {
	Enabled        bool
	MaxEditWindow  time.Duration
	AllowedChanges []string // SL, TP, VOLUME
	MaxVersions    int
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded .env file")
	}

	cfg := &Config{
		DryRun:  getEnvBool("DRY_RUN", true),
		Magic:   getEnvInt64("MAGIC_NUMBER", 770042),
		LogJSON: getEnvBool("LOG_JSON", false),

		BridgeURL: getEnv("BRIDGE_URL", "ws://127.0.0.1:8765/rpc"),

		TelegramToken:  getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
		AdminUsers:     splitList(getEnv("ADMIN_USERS", "")),
		StealthEnabled: getEnvBool("STEALTH_COMMANDS_ENABLED", false),
		ReplayEnabled:  getEnvBool("REPLAY_COMMANDS_ENABLED", true),

		ParserURL:     getEnv("PARSER_URL", ""),
		ParserTimeout: getEnvDuration("PARSER_TIMEOUT", 5*time.Second),

		ExecutorWorkers:  getEnvInt("EXECUTOR_WORKERS", 5),
		QuoteTTL:         getEnvDuration("QUOTE_TTL", 200*time.Millisecond),
		MonitorInterval:  getEnvDuration("TP_MONITOR_INTERVAL", 100*time.Millisecond),
		MarginInterval:   getEnvDuration("MARGIN_INTERVAL", time.Second),
		SpreadInterval:   getEnvDuration("SPREAD_ADJUST_INTERVAL", time.Second),
		MergeInterval:    getEnvDuration("MERGE_INTERVAL", 200*time.Millisecond),
		SignalBufferSize: getEnvInt("SIGNAL_BUFFER_SIZE", 5),

		Merge: MergeConfig{
			TolerancePips:       getEnvDecimal("MERGE_TOLERANCE_PIPS", "10"),
			ConflictMethod:      strings.ToUpper(getEnv("CONFLICT_METHOD", "HIGHEST_PRIORITY")),
			ConfidenceThreshold: getEnvDecimal("CONFIDENCE_THRESHOLD", "0.4"),
			ProviderWeights:     parseDecimalMap(getEnv("PROVIDER_WEIGHTS", "")),
		},
		Rate: RateConfig{
			SymbolHourly:           getEnvInt("SYMBOL_HOURLY_LIMIT", 10),
			SymbolDaily:            getEnvInt("SYMBOL_DAILY_LIMIT", 40),
			ProviderHourly:         getEnvInt("PROVIDER_HOURLY_LIMIT", 20),
			ProviderDaily:          getEnvInt("PROVIDER_DAILY_LIMIT", 100),
			GlobalHourly:           getEnvInt("GLOBAL_HOURLY_LIMIT", 50),
			GlobalDaily:            getEnvInt("GLOBAL_DAILY_LIMIT", 200),
			Cooldown:               getEnvDuration("COOLDOWN", 0),
			EmergencyOverrideLimit: getEnvInt("EMERGENCY_OVERRIDE_LIMIT", 3),
			SymbolLimits:           parseIntMap(getEnv("SYMBOL_SPECIFIC_LIMITS", "")),
			ProviderLimits:         parseIntMap(getEnv("PROVIDER_SPECIFIC_LIMITS", "")),
		},
		Margin: MarginConfig{
			Safe:           getEnvDecimal("MARGIN_SAFE", "300"),
			Warning:        getEnvDecimal("MARGIN_WARNING", "200"),
			Critical:       getEnvDecimal("MARGIN_CRITICAL", "150"),
			MarginCall:     getEnvDecimal("MARGIN_CALL", "100"),
			EmergencyClose: getEnvDecimal("MARGIN_EMERGENCY_CLOSE", "80"),
			AlertCooldown:   getEnvDuration("MARGIN_ALERT_COOLDOWN", 5*time.Minute),
			RiskMultipliers: parseDecimalMap(getEnv("MARGIN_RISK_MULTIPLIERS", "")),
		},
		Spread: SpreadConfig{
			DefaultThresholdPips: getEnvDecimal("SPREAD_THRESHOLD_PIPS", "3"),
			SymbolThresholds:     parseDecimalMap(getEnv("SPREAD_SYMBOL_THRESHOLDS", "")),
		},
		Sizing: SizingConfig{
			Mode:      strings.ToUpper(getEnv("LOT_MODE", "FIXED_LOT")),
			Parameter: getEnvDecimal("LOT_PARAMETER", "0.10"),
			MinLot:    getEnvDecimal("MIN_LOT", "0.01"),
			MaxLot:    getEnvDecimal("MAX_LOT", "10"),
			Precision: int32(getEnvInt("LOT_PRECISION", 2)),
		},
		Entry: EntryConfig{
			Mode: strings.ToUpper(getEnv("ENTRY_MODE", "BEST")),
		},
		Randomizer: RandomizerConfig{
			Enabled:          getEnvBool("LOT_RANDOMIZER_ENABLED", false),
			VarianceRange:    getEnvDecimal("LOT_VARIANCE_RANGE", "0.003"),
			Precision:        int32(getEnvInt("LOT_RANDOMIZER_PRECISION", 2)),
			AvoidRepeats:     getEnvBool("LOT_AVOID_REPEATS", true),
			MaxRepeatHistory: getEnvInt("LOT_MAX_REPEAT_HISTORY", 5),
			MaxRedraws:       getEnvInt("LOT_MAX_REDRAWS", 4),
		},
		SmartEntry: SmartEntryConfig{
			Enabled:             getEnvBool("SMART_ENTRY_ENABLED", false),
			DefaultWait:         getEnvDuration("SMART_ENTRY_WAIT", 120*time.Second),
			PriceTolerancePips:  getEnvDecimal("SMART_ENTRY_TOLERANCE_PIPS", "2"),
			MaxConcurrent:       getEnvInt("SMART_ENTRY_MAX_CONCURRENT", 20),
			FallbackToImmediate: getEnvBool("SMART_ENTRY_FALLBACK", true),
		},
		MultiTP: MultiTPConfig{
			Interval:           getEnvDuration("TP_MONITOR_INTERVAL", 100*time.Millisecond),
			SLShiftMode:        strings.ToUpper(getEnv("TP_SL_SHIFT_MODE", "BREAK_EVEN")),
			SLBufferPips:       getEnvDecimal("TP_SL_BUFFER_PIPS", "1"),
			MinRemainingVolume: getEnvDecimal("TP_MIN_REMAINING_VOLUME", "0.01"),
			MaxSlippagePips:    getEnvInt("TP_MAX_SLIPPAGE_PIPS", 3),
		},
		Trailing: TrailingConfig{
			Enabled:        getEnvBool("TRAILING_ENABLED", false),
			Method:         strings.ToUpper(getEnv("TRAILING_METHOD", "FIXED_PIPS")),
			Distance:       getEnvDecimal("TRAILING_DISTANCE", "10"),
			ActivationPips: getEnvDecimal("TRAILING_ACTIVATION_PIPS", "5"),
			StepPips:       getEnvDecimal("TRAILING_STEP_PIPS", "1"),
			BreakevenLock:  getEnvBool("TRAILING_BREAKEVEN_LOCK", true),
			Interval:       getEnvDuration("TRAILING_INTERVAL", 15*time.Second),
		},
		BreakEven: BreakEvenConfig{
			Enabled:            getEnvBool("BREAKEVEN_ENABLED", false),
			Trigger:            strings.ToUpper(getEnv("BREAKEVEN_TRIGGER", "FIXED_PIPS")),
			ThresholdValue:     getEnvDecimal("BREAKEVEN_THRESHOLD", "10"),
			BufferPips:         getEnvDecimal("BREAKEVEN_BUFFER_PIPS", "1"),
			MinProfitPips:      getEnvDecimal("BREAKEVEN_MIN_PROFIT_PIPS", "0"),
			OnlyWhenProfitable: getEnvBool("BREAKEVEN_ONLY_PROFITABLE", true),
			Interval:           getEnvDuration("BREAKEVEN_INTERVAL", time.Second),
		},
		Adjust: AdjustConfig{
			Enabled:         getEnvBool("ADJUSTOR_ENABLED", false),
			Mode:            strings.ToUpper(getEnv("ADJUSTOR_MODE", "SPREAD_BASED")),
			HighSpreadPips:  getEnvDecimal("ADJUSTOR_HIGH_SPREAD_PIPS", "4"),
			LowSpreadPips:   getEnvDecimal("ADJUSTOR_LOW_SPREAD_PIPS", "1"),
			SLBufferPips:    getEnvDecimal("ADJUSTOR_SL_BUFFER_PIPS", "2"),
			TPBufferPips:    getEnvDecimal("ADJUSTOR_TP_BUFFER_PIPS", "2"),
			TightenOnCalm:   getEnvBool("ADJUSTOR_TIGHTEN_ON_CALM", false),
			MaxSessionPips:  getEnvDecimal("ADJUSTOR_MAX_SESSION_PIPS", "10"),
			MinInterval:     getEnvDuration("ADJUSTOR_MIN_INTERVAL", 30*time.Second),
			MinDistancePips: getEnvDecimal("ADJUSTOR_MIN_DISTANCE_PIPS", "1"),
			Interval:        getEnvDuration("ADJUSTOR_INTERVAL", time.Second),
		},
		Edit: EditConfig{
			Enabled:        getEnvBool("EDIT_WATCHER_ENABLED", true),
			MaxEditWindow:  getEnvDuration("MAX_EDIT_TIME_WINDOW", time.Hour),
			AllowedChanges: splitList(strings.ToUpper(getEnv("EDIT_ALLOWED_CHANGES", "SL,TP"))),
			MaxVersions:    getEnvInt("EDIT_MAX_VERSIONS", 10),
		},

		StateDir:    getEnv("STATE_DIR", "./state"),
		DatabaseDSN: getEnv("DATABASE_DSN", "sigpilot.db"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ExecutorWorkers < 1 {
		return fmt.Errorf("EXECUTOR_WORKERS must be >= 1, got %d", c.ExecutorWorkers)
	}
	if !c.Sizing.MinLot.IsPositive() || c.Sizing.MaxLot.LessThan(c.Sizing.MinLot) {
		return fmt.Errorf("lot bounds invalid: min=%s max=%s", c.Sizing.MinLot, c.Sizing.MaxLot)
	}
	m := c.Margin
	if !(m.Safe.GreaterThan(m.Warning) && m.Warning.GreaterThan(m.Critical) && m.Critical.GreaterThan(m.MarginCall)) {
		return fmt.Errorf("margin thresholds must be strictly decreasing: safe=%s warning=%s critical=%s call=%s",
			m.Safe, m.Warning, m.Critical, m.MarginCall)
	}
	if c.Spread.DefaultThresholdPips.IsNegative() {
		return fmt.Errorf("SPREAD_THRESHOLD_PIPS must be >= 0")
	}
	switch c.Sizing.Mode {
	case "FIXED_LOT", "RISK_PERCENT", "BALANCE_PERCENT", "FIXED_CASH", "PIP_VALUE_TARGET", "TEXT_OVERRIDE":
	default:
		return fmt.Errorf("unknown LOT_MODE %q", c.Sizing.Mode)
	}
	switch c.Entry.Mode {
	case "BEST", "AVERAGE", "SECOND", "FIRST":
	default:
		return fmt.Errorf("unknown ENTRY_MODE %q", c.Entry.Mode)
	}
	switch c.Merge.ConflictMethod {
	case "HIGHEST_PRIORITY", "HIGHEST_CONFIDENCE", "NEWEST_WINS", "OLDEST_WINS", "CANCEL_ALL":
	default:
		return fmt.Errorf("unknown CONFLICT_METHOD %q", c.Merge.ConflictMethod)
	}
	if !c.DryRun && c.BridgeURL == "" {
		return fmt.Errorf("BRIDGE_URL required when DRY_RUN=false")
	}
	return nil
}

// IsAdmin reports whether the username is on the admin list.
func (c *Config) IsAdmin(username string) bool {
	for _, u := range c.AdminUsers {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}

// SpreadThreshold returns the per-symbol threshold or the global default.
func (c *Config) SpreadThreshold(symbol string) decimal.Decimal {
	if v, ok := c.Spread.SymbolThresholds[symbol]; ok {
		return v
	}
	return c.Spread.DefaultThresholdPips
}

// ───────────────────────────────────────────────────────────────────────────────
// Typed env helpers
// ───────────────────────────────────────────────────────────────────────────────

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid bool, using default")
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid int, using default")
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid int64, using default")
		return fallback
	}
	return n
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid decimal, using default")
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseIntMap parses "EURUSD:5,XAUUSD:2" style overrides.
func parseIntMap(s string) map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = n
	}
	return out
}

func parseDecimalMap(s string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = d
	}
	return out
}

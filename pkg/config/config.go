package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the liquidation core.
type Config struct {
	Port string

	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string

	// Quotas (nominal exchange limits per minute)
	WeightLimit int
	OrderLimit  int

	// Position monitor
	HedgeMode              bool
	UsePositionMonitor     bool
	InstantTPEnabled       bool
	TranchePnLIncrementPct float64 // adverse move that opens a new tranche instead of averaging
	MaxTranchesPerSide     int
	TPSLBatchEnabled       bool

	// Streams
	ReconnectDelaySec int

	// Database
	DBPath string

	// Ops API
	JWTSecret string

	// Per-symbol settings file
	SymbolSettingsPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		BinanceTestnet:         getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:          os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:       os.Getenv("BINANCE_API_SECRET"),
		WeightLimit:            getEnvInt("WEIGHT_LIMIT_PER_MIN", 2400),
		OrderLimit:             getEnvInt("ORDER_LIMIT_PER_MIN", 1200),
		HedgeMode:              getEnv("HEDGE_MODE", "false") == "true",
		UsePositionMonitor:     getEnv("USE_POSITION_MONITOR", "true") == "true",
		InstantTPEnabled:       getEnv("INSTANT_TP_ENABLED", "true") == "true",
		TranchePnLIncrementPct: getEnvFloat("TRANCHE_PNL_INCREMENT_PCT", 5),
		MaxTranchesPerSide:     getEnvInt("MAX_TRANCHES_PER_SYMBOL_SIDE", 3),
		TPSLBatchEnabled:       getEnv("TP_SL_BATCH_ENABLED", "true") == "true",
		ReconnectDelaySec:      getEnvInt("RECONNECT_DELAY_SEC", 1),
		DBPath:                 getEnv("DB_PATH", "./data/liqcore.db"),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		SymbolSettingsPath:     getEnv("SYMBOL_SETTINGS_PATH", "./symbols.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	// Settlement rails.
	SolanaRPCURL        string
	SolanaReceiveWallet string
	SolanaMinConfs      int
	EVMRPCURL           string
	EVMChainID          int64
	EVMMinConfs         int
	EVMTokenDecimals    int
	OffchainBaseURL     string

	AmountToleranceBps  int
	ManualPaymentWindow time.Duration
	RefundWindow        time.Duration

	TreasuryEVMAddress   string
	TreasurySolanaWallet string

	NotifyWebhookURL string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "roost"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "roost"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		SolanaRPCURL:        getenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		SolanaReceiveWallet: strings.TrimSpace(getenv("SOLANA_RECEIVE_WALLET", "")),
		SolanaMinConfs:      getenvInt("SOLANA_MIN_CONFIRMATIONS", 1),
		EVMRPCURL:           getenv("EVM_RPC_URL", ""),
		EVMChainID:          getenvInt64("EVM_CHAIN_ID", 1),
		EVMMinConfs:         getenvInt("EVM_MIN_CONFIRMATIONS", 12),
		EVMTokenDecimals:    getenvInt("EVM_TOKEN_DECIMALS", 18),
		OffchainBaseURL:     getenv("OFFCHAIN_BASE_URL", ""),

		AmountToleranceBps:  getenvInt("AMOUNT_TOLERANCE_BPS", 100),
		ManualPaymentWindow: getenvDuration("MANUAL_PAYMENT_WINDOW", 30*time.Minute),
		RefundWindow:        getenvDuration("REFUND_WINDOW", 14*24*time.Hour),

		TreasuryEVMAddress:   strings.TrimSpace(getenv("TREASURY_EVM_ADDRESS", "")),
		TreasurySolanaWallet: strings.TrimSpace(getenv("TREASURY_SOLANA_WALLET", "")),

		NotifyWebhookURL: strings.TrimSpace(getenv("NOTIFY_WEBHOOK_URL", "")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return parsed
}

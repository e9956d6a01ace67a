package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	BotToken    string `json:"bot_token"`
	DatabaseURL string `json:"database_url"`
	LogDir      string `json:"log_dir"`
	Port        string `json:"port"`

	// HTTPS配置
	Domain       string `json:"domain"`
	EnableHTTPS  bool   `json:"enable_https"`
	HTTPSPort    string `json:"https_port"`
	CertCacheDir string `json:"cert_cache_dir"`
	AdminEmail   string `json:"admin_email"`

	// 接口鉴权
	JWTSecret         string `json:"-"`
	AdminSecretHash   string `json:"-"`
	ServiceSecretHash string `json:"-"`

	// 管理员配置
	AdminIDs []int64 `json:"admin_ids"`

	// 对局
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	MinStake          decimal.Decimal `json:"min_stake"`
	MaxStake          decimal.Decimal `json:"max_stake"`
	MatchTimeout      time.Duration   `json:"match_timeout"`
	HouseAccounts     []string        `json:"house_accounts"`
	RoomTTL           time.Duration   `json:"room_ttl"`
	RoomSweepInterval time.Duration   `json:"room_sweep_interval"`
	OperationInterval time.Duration   `json:"operation_interval"`

	// 链上
	SolanaRPCURL        string `json:"solana_rpc_url"`
	CustodialAddress    string `json:"custodial_address"`
	CustodialPrivateKey string `json:"-"`
	TokenMint           string `json:"token_mint"`
	TokenDecimals       int32  `json:"token_decimals"`

	// 充值对账
	MinDeposit     decimal.Decimal `json:"min_deposit"`
	PollInterval   time.Duration   `json:"poll_interval"`
	PollMaxBackoff time.Duration   `json:"poll_max_backoff"`
	SignatureLimit int             `json:"signature_limit"`

	// 出款
	WithdrawalCommission decimal.Decimal `json:"withdrawal_commission"`
	PayoutOnWin          bool            `json:"payout_on_win"`
	PayoutWorkers        int             `json:"payout_workers"`
	PayoutRecheck        time.Duration   `json:"payout_recheck"`
}

func Load() (*Config, error) {
	cfg := &Config{
		BotToken:    getEnv("BOT_TOKEN", ""),
		DatabaseURL: getEnv("DATABASE_URL", "coinflip.db"),
		LogDir:      getEnv("LOG_DIR", "logs"),
		Port:        getEnv("PORT", "8080"),

		// HTTPS配置
		Domain:       getEnv("DOMAIN", ""),
		EnableHTTPS:  getEnvBool("ENABLE_HTTPS", false),
		HTTPSPort:    getEnv("HTTPS_PORT", "443"),
		CertCacheDir: getEnv("CERT_CACHE_DIR", "./certs"),
		AdminEmail:   getEnv("ADMIN_EMAIL", ""),

		JWTSecret:         getEnv("JWT_SECRET", ""),
		AdminSecretHash:   getEnv("ADMIN_SECRET_HASH", ""),
		ServiceSecretHash: getEnv("SERVICE_SECRET_HASH", ""),

		AdminIDs: getEnvInt64Slice("ADMIN_IDS", []int64{}),

		MatchTimeout:      getEnvDuration("MATCH_TIMEOUT", 10*time.Second),
		HouseAccounts:     getEnvStringSlice("HOUSE_ACCOUNTS", []string{"@crypto_king", "@moon_trader", "@diamond_hands"}),
		RoomTTL:           getEnvDuration("ROOM_TTL", 5*time.Minute),
		RoomSweepInterval: getEnvDuration("ROOM_SWEEP_INTERVAL", time.Minute),
		OperationInterval: getEnvDuration("OPERATION_INTERVAL", time.Second),

		SolanaRPCURL:        getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		CustodialAddress:    getEnv("CUSTODIAL_ADDRESS", ""),
		CustodialPrivateKey: getEnv("CUSTODIAL_PRIVATE_KEY", ""),
		TokenMint:           getEnv("TOKEN_MINT", ""),
		TokenDecimals:       int32(getEnvInt("TOKEN_DECIMALS", 6)),

		PollInterval:   getEnvDuration("POLL_INTERVAL", 30*time.Second),
		PollMaxBackoff: getEnvDuration("POLL_MAX_BACKOFF", 5*time.Minute),
		SignatureLimit: int(getEnvInt("SIGNATURE_LIMIT", 10)),

		PayoutOnWin:   getEnvBool("PAYOUT_ON_WIN", true),
		PayoutWorkers: int(getEnvInt("PAYOUT_WORKERS", 4)),
		PayoutRecheck: getEnvDuration("PAYOUT_RECHECK_INTERVAL", time.Minute),
	}

	var err error
	if cfg.CommissionRate, err = getEnvDecimal("COMMISSION_RATE", "0.30"); err != nil {
		return nil, err
	}
	if cfg.MinStake, err = getEnvDecimal("MIN_STAKE", "1"); err != nil {
		return nil, err
	}
	if cfg.MaxStake, err = getEnvDecimal("MAX_STAKE", "100000"); err != nil {
		return nil, err
	}
	if cfg.MinDeposit, err = getEnvDecimal("MIN_DEPOSIT", "1"); err != nil {
		return nil, err
	}
	if cfg.WithdrawalCommission, err = getEnvDecimal("WITHDRAWAL_COMMISSION", "0.05"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置之间的约束
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("COMMISSION_RATE 必须在 [0, 1) 之间: %s", c.CommissionRate)
	}
	if c.WithdrawalCommission.IsNegative() || c.WithdrawalCommission.GreaterThanOrEqual(one) {
		return fmt.Errorf("WITHDRAWAL_COMMISSION 必须在 [0, 1) 之间: %s", c.WithdrawalCommission)
	}
	if !c.MinStake.IsPositive() || c.MaxStake.LessThan(c.MinStake) {
		return fmt.Errorf("下注范围无效: %s - %s", c.MinStake, c.MaxStake)
	}
	if c.MinDeposit.IsNegative() {
		return fmt.Errorf("MIN_DEPOSIT 不能为负数")
	}
	if c.MatchTimeout <= 0 || c.PollInterval <= 0 || c.RoomTTL <= 0 {
		return fmt.Errorf("超时与轮询间隔必须大于0")
	}
	if c.SignatureLimit <= 0 || c.SignatureLimit > 1000 {
		return fmt.Errorf("SIGNATURE_LIMIT 超出范围: %d", c.SignatureLimit)
	}
	if c.PayoutWorkers <= 0 {
		c.PayoutWorkers = 1
	}
	return nil
}

// IsAdmin 判断Telegram用户是否为运营人员
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s 不是有效数值: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "10s" 形式，也兼容纯数字（秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvInt64Slice(key string, defaultValue []int64) []int64 {
	if value := os.Getenv(key); value != "" {
		// 格式: "123,456,789"
		parts := strings.Split(value, ",")
		var result []int64

		for _, part := range parts {
			if i, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				result = append(result, i)
			}
		}

		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, part := range strings.Split(value, ",") {
			if s := strings.TrimSpace(part); s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

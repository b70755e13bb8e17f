package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/oracle"
)

const (
	EnvPrefix = "AGRI"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App         AppConfig
	DB          DBConfig
	Redis       RedisConfig
	Oracle      OracleConfig
	Futures     FuturesConfig
	Stellar     StellarConfig
	MobileMoney MobileMoneyConfig
	SMS         SMSConfig
	Admin       AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"AGRI_APP_ENV" default:"dev"`
	Port         string `envconfig:"AGRI_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"AGRI_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"AGRI_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"AGRI_LOG_WARN_STACK" default:"false"`

	// ExpirySweepInterval runs the contract expiry sweep in-process when > 0.
	ExpirySweepInterval time.Duration `envconfig:"AGRI_EXPIRY_SWEEP_INTERVAL" default:"0"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	// Empty DSN selects the in-memory store.
	DSN         string `envconfig:"AGRI_DB_DSN"`
	MaxConns    int32  `envconfig:"AGRI_DB_MAX_CONNS" default:"10"`
	AutoMigrate bool   `envconfig:"AGRI_DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL      string        `envconfig:"AGRI_REDIS_URL"`
	CacheTTL time.Duration `envconfig:"AGRI_REDIS_CACHE_TTL" default:"30s"`
}

type OracleConfig struct {
	FreshnessWindow time.Duration      `envconfig:"AGRI_ORACLE_FRESHNESS_WINDOW" default:"300s"`
	TrendPerMinute  decimal.Decimal    `envconfig:"AGRI_ORACLE_TREND_PER_MINUTE" default:"0.001"`
	Volatility      decimal.Decimal    `envconfig:"AGRI_ORACLE_VOLATILITY" default:"0.05"`
	BasePrices      map[string]float64 `envconfig:"AGRI_ORACLE_BASE_PRICES" default:"corn:2.5,wheat:3.0,rice:4.0,soybeans:5.0,coffee:10.0"`
	APIKey          string             `envconfig:"AGRI_ORACLE_ALPHA_VANTAGE_API_KEY"`
	BaseURL         string             `envconfig:"AGRI_ORACLE_ALPHA_VANTAGE_URL" default:"https://www.alphavantage.co/query"`
	Timeout         time.Duration      `envconfig:"AGRI_ORACLE_TIMEOUT" default:"5s"`
}

type FuturesConfig struct {
	Tenor           time.Duration   `envconfig:"AGRI_FUTURES_TENOR" default:"2160h"`
	MinContractSize decimal.Decimal `envconfig:"AGRI_FUTURES_MIN_CONTRACT_SIZE" default:"50"`
	MaxContractSize decimal.Decimal `envconfig:"AGRI_FUTURES_MAX_CONTRACT_SIZE" default:"1000"`
	RiskFactor      decimal.Decimal `envconfig:"AGRI_FUTURES_RISK_FACTOR" default:"0.10"`
	MinimumPremium  decimal.Decimal `envconfig:"AGRI_FUTURES_MINIMUM_PREMIUM" default:"1.0"`
	Currency        string          `envconfig:"AGRI_FUTURES_CURRENCY" default:"KES"`
	Country         string          `envconfig:"AGRI_FUTURES_COUNTRY" default:"KE"`

	// Open exposure caps per farmer; zero disables a cap.
	MaxOpenQuantityPerCrop decimal.Decimal `envconfig:"AGRI_FUTURES_MAX_OPEN_QUANTITY_PER_CROP" default:"0"`
	MaxOpenNotional        decimal.Decimal `envconfig:"AGRI_FUTURES_MAX_OPEN_NOTIONAL" default:"0"`
}

type StellarConfig struct {
	HorizonURL   string        `envconfig:"AGRI_STELLAR_HORIZON_URL" default:"https://horizon-testnet.stellar.org"`
	Testnet      bool          `envconfig:"AGRI_STELLAR_TESTNET" default:"true"`
	IssuerSecret string        `envconfig:"AGRI_STELLAR_ISSUER_SECRET_KEY"`
	Timeout      time.Duration `envconfig:"AGRI_STELLAR_TIMEOUT" default:"10s"`
}

type MobileMoneyConfig struct {
	BaseURL   string        `envconfig:"AGRI_MOBILE_MONEY_BASE_URL" default:"https://sandboxapi.rapyd.net"`
	AccessKey string        `envconfig:"AGRI_MOBILE_MONEY_ACCESS_KEY"`
	SecretKey string        `envconfig:"AGRI_MOBILE_MONEY_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"AGRI_MOBILE_MONEY_TIMEOUT" default:"10s"`

	// PaymentMethod is attached to every new wallet; set it empty to skip.
	PaymentMethod string `envconfig:"AGRI_MOBILE_MONEY_PAYMENT_METHOD" default:"ke_mpesa"`
}

type SMSConfig struct {
	BaseURL    string        `envconfig:"AGRI_SMS_BASE_URL" default:"https://api.twilio.com"`
	AccountSID string        `envconfig:"AGRI_SMS_ACCOUNT_SID"`
	AuthToken  string        `envconfig:"AGRI_SMS_AUTH_TOKEN"`
	From       string        `envconfig:"AGRI_SMS_FROM_NUMBER"`
	Timeout    time.Duration `envconfig:"AGRI_SMS_TIMEOUT" default:"10s"`
}

type AdminConfig struct {
	// Empty token disables the admin routes.
	Token string `envconfig:"AGRI_ADMIN_TOKEN"`
}

func (c *Config) validate() error {
	f := c.Futures
	if !f.MinContractSize.IsPositive() || f.MaxContractSize.LessThan(f.MinContractSize) {
		return fmt.Errorf("futures contract size bounds invalid: min=%s max=%s", f.MinContractSize, f.MaxContractSize)
	}
	if f.RiskFactor.IsNegative() || f.MinimumPremium.IsNegative() {
		return fmt.Errorf("futures risk factor and minimum premium must be non-negative")
	}
	if f.Tenor <= 0 {
		return fmt.Errorf("futures tenor must be positive")
	}
	if f.MaxOpenQuantityPerCrop.IsNegative() || f.MaxOpenNotional.IsNegative() {
		return fmt.Errorf("futures exposure limits must be non-negative")
	}
	if len(c.Oracle.BasePrices) == 0 {
		return fmt.Errorf("%s_ORACLE_BASE_PRICES must list at least one crop", EnvPrefix)
	}
	for crop, price := range c.Oracle.BasePrices {
		if price <= 0 {
			return fmt.Errorf("base price for %s must be positive", crop)
		}
	}
	if c.App.IsProd() && c.Stellar.IssuerSecret == "" {
		return fmt.Errorf("%s_STELLAR_ISSUER_SECRET_KEY is required in prod", EnvPrefix)
	}
	return nil
}

// BasePriceDecimals returns the oracle base prices keyed by lower-case crop.
func (o OracleConfig) BasePriceDecimals() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(o.BasePrices))
	for crop, price := range o.BasePrices {
		out[strings.ToLower(strings.TrimSpace(crop))] = decimal.NewFromFloat(price)
	}
	return out
}

// EngineSettings converts the futures and adaptor sections into the
// engine's configuration.
func (c *Config) EngineSettings() engine.Config {
	f := c.Futures
	return engine.Config{
		Tenor:                  f.Tenor,
		MinContractSize:        f.MinContractSize,
		MaxContractSize:        f.MaxContractSize,
		RiskFactor:             f.RiskFactor,
		MinimumPremium:         f.MinimumPremium,
		Currency:               f.Currency,
		Country:                f.Country,
		LedgerTimeout:          c.Stellar.Timeout,
		PaymentTimeout:         c.MobileMoney.Timeout,
		MaxOpenQuantityPerCrop: f.MaxOpenQuantityPerCrop,
		MaxOpenNotional:        f.MaxOpenNotional,
		PaymentMethodType:      c.MobileMoney.PaymentMethod,
	}
}

func (c *Config) OracleSettings() oracle.Config {
	o := c.Oracle
	return oracle.Config{
		FreshnessWindow: o.FreshnessWindow,
		BasePrices:      o.BasePriceDecimals(),
		TrendPerMinute:  o.TrendPerMinute,
		Volatility:      o.Volatility,
		FetchTimeout:    o.Timeout,
	}
}

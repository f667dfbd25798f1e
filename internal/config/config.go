package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Trading  Trading  `mapstructure:"trading"`
	Balance  Balance  `mapstructure:"balance"`
	Leverage Leverage `mapstructure:"leverage"`
	Risk     Risk     `mapstructure:"risk"`
	Exits    Exits    `mapstructure:"exits"`
	Vault    Vault    `mapstructure:"vault"`
	Chart    Chart    `mapstructure:"chart"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Server holds the configuration for the web servers.
type Server struct {
	Port    int `mapstructure:"port"`
	ApiPort int `mapstructure:"api_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for the tick loop and signal handling.
type Trading struct {
	Mode                   string         `mapstructure:"mode"` // "paper" or "live"
	Symbol                 string         `mapstructure:"symbol"`
	Interval               string         `mapstructure:"interval"`
	CandleLimit            int            `mapstructure:"candle_limit"`
	TickInterval           int            `mapstructure:"tick_interval"` // seconds
	Strategy               string         `mapstructure:"strategy"`
	StrategyParams         map[string]any `mapstructure:"strategy_params"`
	AllowMultiplePositions bool           `mapstructure:"allow_multiple_positions"`
	CloseOnOppositeSignal  bool           `mapstructure:"close_on_opposite_signal"`
	RecentTradesLookback   int            `mapstructure:"recent_trades_lookback"`
}

// TickDuration returns the sleep between two ticks.
func (t Trading) TickDuration() time.Duration {
	return time.Duration(t.TickInterval) * time.Second
}

// Balance holds the initial paper balance.
type Balance struct {
	Initial float64 `mapstructure:"initial"`
	Asset   string  `mapstructure:"asset"`
}

// Leverage holds the leverage settings.
type Leverage struct {
	Enabled               bool    `mapstructure:"enabled"`
	Value                 float64 `mapstructure:"value"`
	MaxUtilizationPercent float64 `mapstructure:"max_utilization_percent"`
}

// Effective returns the leverage applied to new orders.
func (l Leverage) Effective() float64 {
	if !l.Enabled || l.Value < 1 {
		return 1
	}
	return l.Value
}

// Risk holds the sizing and halting limits.
type Risk struct {
	RiskPerTradePercent     float64 `mapstructure:"risk_per_trade_percent"`
	MaxTotalRiskPercent     float64 `mapstructure:"max_total_risk_percent"`
	MaxPositionSizePercent  float64 `mapstructure:"max_position_size_percent"`
	MaxDailyDrawdownPercent float64 `mapstructure:"max_daily_drawdown_percent"`
	MaxOpenTrades           int     `mapstructure:"max_open_trades"`
	MinPositionValue        float64 `mapstructure:"min_position_value"`
}

// Exits holds the default exit percentages.
type Exits struct {
	StopLossPercent   float64      `mapstructure:"stop_loss_percent"`
	TakeProfitPercent float64      `mapstructure:"take_profit_percent"`
	TrailingStop      TrailingStop `mapstructure:"trailing_stop"`
}

// TrailingStop holds the trailing-stop defaults copied onto new trades.
type TrailingStop struct {
	Enabled           bool    `mapstructure:"enabled"`
	ActivationPercent float64 `mapstructure:"activation_percent"`
	TrailPercent      float64 `mapstructure:"trail_percent"`
}

// Vault toggles pooled-fund accounting.
type Vault struct {
	Enabled bool `mapstructure:"enabled"`
}

// Chart holds the chart cache compaction limits.
type Chart struct {
	MaxPoints    int `mapstructure:"max_points"`
	TargetPoints int `mapstructure:"target_points"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every recognized option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size

	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.interval", "1m")
	v.SetDefault("trading.candle_limit", 100)
	v.SetDefault("trading.tick_interval", 60)
	v.SetDefault("trading.strategy", "SMACross")
	v.SetDefault("trading.close_on_opposite_signal", true)
	v.SetDefault("trading.recent_trades_lookback", 0) // 0 reads the full history

	v.SetDefault("balance.initial", 1000)
	v.SetDefault("balance.asset", "USDT")

	v.SetDefault("leverage.value", 1)
	v.SetDefault("leverage.max_utilization_percent", 80)

	v.SetDefault("risk.risk_per_trade_percent", 1)
	v.SetDefault("risk.max_total_risk_percent", 100)
	v.SetDefault("risk.max_position_size_percent", 50)
	v.SetDefault("risk.max_daily_drawdown_percent", 5)
	v.SetDefault("risk.max_open_trades", 3)
	v.SetDefault("risk.min_position_value", 10)

	v.SetDefault("exits.stop_loss_percent", 2)
	v.SetDefault("exits.take_profit_percent", 4)
	v.SetDefault("exits.trailing_stop.activation_percent", 1)
	v.SetDefault("exits.trailing_stop.trail_percent", 0.5)

	v.SetDefault("chart.max_points", 1000)
	v.SetDefault("chart.target_points", 500)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_port", 8081)
	v.SetDefault("database.dsn", "paper_trading.db")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate checks that the values can drive the engine.
func (c *Config) Validate() error {
	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		return fmt.Errorf("trading.mode must be paper or live, got %q", c.Trading.Mode)
	}
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.TickInterval <= 0 {
		return fmt.Errorf("trading.tick_interval must be positive, got %d", c.Trading.TickInterval)
	}
	if c.Balance.Asset == "" {
		return fmt.Errorf("balance.asset is required")
	}
	if c.Balance.Initial < 0 {
		return fmt.Errorf("balance.initial must not be negative, got %f", c.Balance.Initial)
	}
	if c.Leverage.Enabled && c.Leverage.Value < 1 {
		return fmt.Errorf("leverage.value must be at least 1, got %f", c.Leverage.Value)
	}

	percents := map[string]float64{
		"leverage.max_utilization_percent":  c.Leverage.MaxUtilizationPercent,
		"risk.risk_per_trade_percent":       c.Risk.RiskPerTradePercent,
		"risk.max_position_size_percent":    c.Risk.MaxPositionSizePercent,
		"risk.max_daily_drawdown_percent":   c.Risk.MaxDailyDrawdownPercent,
		"exits.stop_loss_percent":           c.Exits.StopLossPercent,
		"exits.take_profit_percent":         c.Exits.TakeProfitPercent,
		"exits.trailing_stop.trail_percent": c.Exits.TrailingStop.TrailPercent,
	}
	for key, value := range percents {
		if value < 0 || value > 100 {
			return fmt.Errorf("%s must be within [0, 100], got %f", key, value)
		}
	}
	if c.Risk.MaxTotalRiskPercent < 0 {
		return fmt.Errorf("risk.max_total_risk_percent must not be negative, got %f", c.Risk.MaxTotalRiskPercent)
	}
	if c.Chart.TargetPoints > c.Chart.MaxPoints {
		return fmt.Errorf("chart.target_points (%d) must not exceed chart.max_points (%d)", c.Chart.TargetPoints, c.Chart.MaxPoints)
	}
	return nil
}

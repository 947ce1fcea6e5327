// Package config defines the Preset record the engine consumes as an immutable,
// already-parsed configuration value. Load (load.go) reads it from disk (viper,
// YAML + env overrides) and is called by cmd/server; the engine packages under
// internal/ receive the parsed value and never read files or environment themselves.
// mapstructure tags let Load unmarshal a viper tree directly into these structs.
package config

import "time"

// LiquidityFilters gates a symbol on volume, open interest, spread and depth.
type LiquidityFilters struct {
	Min24hVolumeUSD    float64  `mapstructure:"min_24h_volume_usd"`
	MinOIUSD           *float64 `mapstructure:"min_oi_usd"` // nil disables the OI check
	MaxSpreadBps       float64  `mapstructure:"max_spread_bps"`
	MinDepth0_3PctUSD  float64  `mapstructure:"min_depth_0_3pct_usd"`
	MinDepth0_5PctUSD  float64  `mapstructure:"min_depth_0_5pct_usd"`
	MinTradesPerMinute float64  `mapstructure:"min_trades_per_minute"`
}

// VolatilityFilters gates a symbol on ATR band, Bollinger width and volume surge.
type VolatilityFilters struct {
	ATRRangeMin          float64  `mapstructure:"atr_range_min"` // atr_15m/price lower bound
	ATRRangeMax          float64  `mapstructure:"atr_range_max"`
	BBWidthPercentileMax float64  `mapstructure:"bb_width_percentile_max"`
	VolSurge1hMin        float64  `mapstructure:"vol_surge_1h_min"`
	VolSurge5mMin        float64  `mapstructure:"vol_surge_5m_min"`
	OIDelta24hMin        *float64 `mapstructure:"oi_delta_24h_min"`
}

// ScannerConfig configures correlation limits, scoring weights and top-N selection.
type ScannerConfig struct {
	MaxCorrelation float64            `mapstructure:"max_correlation"` // operator-configured; effective limit is max(this, 0.85)
	ScoreWeights   map[string]float64 `mapstructure:"score_weights"`
	Whitelist      []string           `mapstructure:"whitelist"`
	Blacklist      []string           `mapstructure:"blacklist"`
	TopNByVolume   int                `mapstructure:"top_n_by_volume"` // 0 disables the pre-filter
	MaxCandidates  int                `mapstructure:"max_candidates"`
}

// LevelConfig configures the level detector.
type LevelConfig struct {
	TouchToleranceATR               float64   `mapstructure:"touch_tolerance_atr"`
	MinTouches                      int       `mapstructure:"min_touches"`
	MaxPiercePct                    float64   `mapstructure:"max_pierce_pct"`
	RoundNumberSteps                []float64 `mapstructure:"round_number_steps"`
	CascadeMinLevels                int       `mapstructure:"cascade_min_levels"`
	CascadeRadiusBps                float64   `mapstructure:"cascade_radius_bps"`
	ApproachSlopeMaxPctPerBar       float64   `mapstructure:"approach_slope_max_pct_per_bar"`
	PrebreakoutConsolidationMinBars int       `mapstructure:"prebreakout_consolidation_min_bars"`
	MinLevelSeparationATR           float64   `mapstructure:"min_level_separation_atr"`
}

// SignalConfig configures momentum/retest gate thresholds.
type SignalConfig struct {
	StrategyPriority         string  `mapstructure:"strategy_priority"` // "momentum" | "retest"
	MomentumEpsilon          float64 `mapstructure:"momentum_epsilon"`
	MomentumVolumeMultiplier float64 `mapstructure:"momentum_volume_multiplier"`
	MomentumBodyRatioMin     float64 `mapstructure:"momentum_body_ratio_min"`
	L2ImbalanceThreshold     float64 `mapstructure:"l2_imbalance_threshold"`
	VWAPGapMaxATR            float64 `mapstructure:"vwap_gap_max_atr"`
	TP1R                     float64 `mapstructure:"tp1_r"`
	TP2R                     float64 `mapstructure:"tp2_r"`
	RetestMaxPierceATR       float64 `mapstructure:"retest_max_pierce_atr"`
	RetestPierceTolerance    float64 `mapstructure:"retest_pierce_tolerance"`
	RetestMatchWindowHours   float64 `mapstructure:"retest_match_window_hours"`
}

// PositionConfig configures position-management behavior.
type PositionConfig struct {
	TP1SizePct            float64  `mapstructure:"tp1_size_pct"`
	TP2SizePct            float64  `mapstructure:"tp2_size_pct"`
	ChandelierATRMult     float64  `mapstructure:"chandelier_atr_mult"`
	ChandelierMinCandles  int      `mapstructure:"chandelier_min_candles"`
	MaxHoldTimeHours      float64  `mapstructure:"max_hold_time_hours"`
	TimeStopMinutes       *float64 `mapstructure:"time_stop_minutes"`
	ActivityPanicEnabled  bool     `mapstructure:"activity_panic_enabled"`
	ActivityDropThreshold float64  `mapstructure:"activity_drop_threshold"`
	NoProgressHours       float64  `mapstructure:"no_progress_hours"`
	NoProgressMaxPnLR     float64  `mapstructure:"no_progress_max_pnl_r"`
	AddOnEnabled          bool     `mapstructure:"add_on_enabled"`
	AddOnMinPnLR          float64  `mapstructure:"add_on_min_pnl_r"`
	AddOnMinCandles       int      `mapstructure:"add_on_min_candles"`
	AddOnMaxSizePct       float64  `mapstructure:"add_on_max_size_pct"`
	AddOnEMAProximityPct  float64  `mapstructure:"add_on_ema_proximity_pct"`
}

// ExecutionConfig configures the depth-aware execution manager.
type ExecutionConfig struct {
	MaxDepthFraction    float64 `mapstructure:"max_depth_fraction"`
	EnableTWAP          bool    `mapstructure:"enable_twap"`
	TWAPMinSlices       int     `mapstructure:"twap_min_slices"`
	TWAPMaxSlices       int     `mapstructure:"twap_max_slices"`
	TWAPIntervalSeconds float64 `mapstructure:"twap_interval_seconds"`
	EnableIceberg       bool    `mapstructure:"enable_iceberg"`
	SpreadWidenBps      float64 `mapstructure:"spread_widen_bps"`
	LimitOffsetBps      float64 `mapstructure:"limit_offset_bps"`
	DeadmanTimeoutMs    int64   `mapstructure:"deadman_timeout_ms"`
	TakerFeeBps         float64 `mapstructure:"taker_fee_bps"`
	MakerFeeBps         float64 `mapstructure:"maker_fee_bps"`
}

// RiskConfig configures R-model sizing and portfolio limits.
type RiskConfig struct {
	RiskPerTrade                float64  `mapstructure:"risk_per_trade"`
	MaxPositionSizeUSD          *float64 `mapstructure:"max_position_size_usd"`
	MinNotionalUSD              float64  `mapstructure:"min_notional_usd"`
	DailyRiskLimit              float64  `mapstructure:"daily_risk_limit"`
	MaxConcurrentPositions      int      `mapstructure:"max_concurrent_positions"`
	KillSwitchLossLimit         float64  `mapstructure:"kill_switch_loss_limit"`
	CorrelationExposureLimitPct float64  `mapstructure:"correlation_exposure_limit_pct"`
}

// RateLimitConfig configures per-category REST pacing.
type RateLimitConfig struct {
	MarketDataPerSec float64 `mapstructure:"market_data_per_sec"`
	TradingPerSec    float64 `mapstructure:"trading_per_sec"`
	AccountPerSec    float64 `mapstructure:"account_per_sec"`
	PublicPerSec     float64 `mapstructure:"public_per_sec"`
	MinIntervalMs    float64 `mapstructure:"min_interval_ms"`
	MaxRetries       int     `mapstructure:"max_retries"`
}

// ExchangeConfig carries connection details and credentials for the live exchange
// client. APIKey/APISecret are never read from the YAML file itself — Load overrides
// them from environment only, so secrets never land in a config file on disk.
type ExchangeConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	Testnet   bool   `mapstructure:"testnet"`
	APIKey    string `mapstructure:"-"`
	APISecret string `mapstructure:"-"`
}

// Preset is the full, immutable configuration the engine is constructed with.
type Preset struct {
	Liquidity    LiquidityFilters  `mapstructure:"liquidity"`
	Volatility   VolatilityFilters `mapstructure:"volatility"`
	Scanner      ScannerConfig     `mapstructure:"scanner"`
	Levels       LevelConfig       `mapstructure:"levels"`
	Signal       SignalConfig      `mapstructure:"signal"`
	Position     PositionConfig    `mapstructure:"position"`
	Execution    ExecutionConfig   `mapstructure:"execution"`
	Risk         RiskConfig        `mapstructure:"risk"`
	RateLimit    RateLimitConfig   `mapstructure:"rate_limit"`
	Exchange     ExchangeConfig    `mapstructure:"exchange"`
	ScanInterval time.Duration     `mapstructure:"scan_interval"`
}

// Default returns a Preset populated with the engine's standard defaults.
func Default() Preset {
	return Preset{
		Liquidity: LiquidityFilters{
			Min24hVolumeUSD:    5_000_000,
			MaxSpreadBps:       15,
			MinDepth0_3PctUSD:  20_000,
			MinDepth0_5PctUSD:  50_000,
			MinTradesPerMinute: 5,
		},
		Volatility: VolatilityFilters{
			ATRRangeMin:          0.01,
			ATRRangeMax:          0.05,
			BBWidthPercentileMax: 8,
			VolSurge1hMin:        1.2,
			VolSurge5mMin:        1.1,
		},
		Scanner: ScannerConfig{
			MaxCorrelation: 0.7,
			ScoreWeights: map[string]float64{
				"vol_surge":         0.3,
				"oi_delta":          0.15,
				"atr_quality":       0.25,
				"correlation":       0.15,
				"trades_per_minute": 0.15,
			},
			MaxCandidates: 10,
		},
		Levels: LevelConfig{
			TouchToleranceATR:               0.25,
			MinTouches:                      3,
			MaxPiercePct:                    0.003,
			RoundNumberSteps:                []float64{1000, 100, 10},
			CascadeMinLevels:                3,
			CascadeRadiusBps:                20,
			ApproachSlopeMaxPctPerBar:       0.01,
			PrebreakoutConsolidationMinBars: 3,
			MinLevelSeparationATR:           1.0,
		},
		Signal: SignalConfig{
			StrategyPriority:         "momentum",
			MomentumEpsilon:          0.002,
			MomentumVolumeMultiplier: 1.5,
			MomentumBodyRatioMin:     0.6,
			L2ImbalanceThreshold:     0.2,
			VWAPGapMaxATR:            1.5,
			TP1R:                     2,
			TP2R:                     3,
			RetestMaxPierceATR:       0.3,
			RetestPierceTolerance:    0.0015,
			RetestMatchWindowHours:   24,
		},
		Position: PositionConfig{
			TP1SizePct:           0.5,
			TP2SizePct:           0.5,
			ChandelierATRMult:    3,
			ChandelierMinCandles: 22,
			MaxHoldTimeHours:     72,
			NoProgressHours:      8,
			NoProgressMaxPnLR:    0.3,
			AddOnMinPnLR:         0.5,
			AddOnMinCandles:      9,
			AddOnMaxSizePct:      0.5,
			AddOnEMAProximityPct: 0.005,
		},
		Execution: ExecutionConfig{
			MaxDepthFraction:    0.25,
			EnableTWAP:          true,
			TWAPMinSlices:       1,
			TWAPMaxSlices:       5,
			TWAPIntervalSeconds: 2,
			EnableIceberg:       true,
			SpreadWidenBps:      20,
			LimitOffsetBps:      2,
			DeadmanTimeoutMs:    15000,
			TakerFeeBps:         5,
			MakerFeeBps:         2,
		},
		Risk: RiskConfig{
			RiskPerTrade:                0.01,
			MinNotionalUSD:              10,
			DailyRiskLimit:              0.05,
			MaxConcurrentPositions:      5,
			KillSwitchLossLimit:         0.1,
			CorrelationExposureLimitPct: 0.5,
		},
		RateLimit: RateLimitConfig{
			MarketDataPerSec: 50,
			TradingPerSec:    20,
			AccountPerSec:    30,
			PublicPerSec:     50,
			MinIntervalMs:    20,
			MaxRetries:       3,
		},
		Exchange: ExchangeConfig{
			Name:    "bybit",
			BaseURL: "https://api.bybit.com",
			Testnet: true,
		},
		ScanInterval: 60 * time.Second,
	}
}

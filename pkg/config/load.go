package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a YAML preset from path, falling back to Default() for every field the
// file omits, then applies environment overrides. Exchange credentials are only ever
// read from the environment — BREAKOUT_EXCHANGE_API_KEY / BREAKOUT_EXCHANGE_API_SECRET
// — never from the file, so a committed config.yaml can never leak a key.
//
// Grounded on the viper.New/SetConfigFile/AutomaticEnv/Unmarshal idiom other exchange
// bots in the pack use for layered YAML+env config (env takes precedence over file,
// file takes precedence over Default()).
func Load(path string) (Preset, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("breakout")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Preset{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		// No file on disk: proceed with Default() plus whatever env vars are set.
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Preset{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Exchange.Name = firstNonEmpty(os.Getenv("BREAKOUT_EXCHANGE_NAME"), cfg.Exchange.Name)
	cfg.Exchange.BaseURL = firstNonEmpty(os.Getenv("BREAKOUT_EXCHANGE_BASE_URL"), cfg.Exchange.BaseURL)
	cfg.Exchange.APIKey = os.Getenv("BREAKOUT_EXCHANGE_API_KEY")
	cfg.Exchange.APISecret = os.Getenv("BREAKOUT_EXCHANGE_API_SECRET")

	if err := cfg.Validate(); err != nil {
		return Preset{}, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate rejects a Preset with nonsensical thresholds before it reaches the engine.
func (p Preset) Validate() error {
	if p.Risk.RiskPerTrade <= 0 || p.Risk.RiskPerTrade > 0.2 {
		return fmt.Errorf("risk.risk_per_trade out of range: %v", p.Risk.RiskPerTrade)
	}
	if p.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be positive")
	}
	if p.Risk.KillSwitchLossLimit <= 0 {
		return fmt.Errorf("risk.kill_switch_loss_limit must be positive")
	}
	if p.Signal.TP1R <= 0 || p.Signal.TP2R <= p.Signal.TP1R {
		return fmt.Errorf("signal.tp1_r/tp2_r must be increasing positive R multiples")
	}
	if p.Position.TP1SizePct+p.Position.TP2SizePct > 1.0001 {
		return fmt.Errorf("position.tp1_size_pct + tp2_size_pct exceeds 1.0")
	}
	if p.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	if p.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}
	return nil
}

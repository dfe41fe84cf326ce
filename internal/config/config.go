package config

import (
	"time"

	"github.com/spf13/viper"
)

// LedgerConfig holds the credit-ledger tunables.
type LedgerConfig struct {
	ScanCost       int64
	SignupBonus    int64
	ReservationTTL time.Duration
	SweepInterval  time.Duration
	ShareTTL       time.Duration
	ShareBaseURL   string
	ReserveRetries int
	TopUpRetries   int
}

func LoadLedgerConfig() *LedgerConfig {
	viper.SetDefault("ledger.scan_cost", 5)
	viper.SetDefault("ledger.signup_bonus", 20)
	viper.SetDefault("ledger.reservation_ttl", 2*time.Minute)
	viper.SetDefault("ledger.sweep_interval", 30*time.Second)
	viper.SetDefault("ledger.share_ttl", 24*time.Hour)
	viper.SetDefault("ledger.share_base_url", "https://app.leafguard.io")
	viper.SetDefault("ledger.reserve_retries", 3)
	viper.SetDefault("ledger.topup_retries", 5)

	return &LedgerConfig{
		ScanCost:       viper.GetInt64("ledger.scan_cost"),
		SignupBonus:    viper.GetInt64("ledger.signup_bonus"),
		ReservationTTL: viper.GetDuration("ledger.reservation_ttl"),
		SweepInterval:  viper.GetDuration("ledger.sweep_interval"),
		ShareTTL:       viper.GetDuration("ledger.share_ttl"),
		ShareBaseURL:   viper.GetString("ledger.share_base_url"),
		ReserveRetries: viper.GetInt("ledger.reserve_retries"),
		TopUpRetries:   viper.GetInt("ledger.topup_retries"),
	}
}

// MLConfig holds the external model endpoints.
type MLConfig struct {
	ClassifierEndpoint string
	ClassifierAPIKey   string
	ClassifierTimeout  time.Duration
	AdvisorEndpoint    string
	AdvisorAPIKey      string
	AdvisorModel       string
	AdvisorTimeout     time.Duration
}

func LoadMLConfig() *MLConfig {
	viper.SetDefault("ml.classifier_timeout", 30*time.Second)
	viper.SetDefault("ml.advisor_timeout", 30*time.Second)
	viper.SetDefault("ml.advisor_model", "llama-3.3-70b-versatile")

	return &MLConfig{
		ClassifierEndpoint: viper.GetString("ml.classifier_endpoint"),
		ClassifierAPIKey:   viper.GetString("ml.classifier_api_key"),
		ClassifierTimeout:  viper.GetDuration("ml.classifier_timeout"),
		AdvisorEndpoint:    viper.GetString("ml.advisor_endpoint"),
		AdvisorAPIKey:      viper.GetString("ml.advisor_api_key"),
		AdvisorModel:       viper.GetString("ml.advisor_model"),
		AdvisorTimeout:     viper.GetDuration("ml.advisor_timeout"),
	}
}

// Package risk implements the tokenization risk scoring.
//
// The score is a confidence score: four sub-scores (device 0-30, account 0-30,
// geolocation 0-20, card 0-20) are summed and clamped to 0-100. The higher the
// score the more trusted the request. The score selects the authentication path:
// GREEN (>=70) approves automatically, YELLOW (40-69) requires an additional
// verification and RED (<40) denies the tokenization.
package risk

import (
	"fmt"

	"github.com/slytomcat/devtokenizer/card"
	"github.com/slytomcat/devtokenizer/device"
	"github.com/slytomcat/devtokenizer/tools"
)

// Path is the authentication path
type Path string

// Authentication paths
const (
	Green  Path = "GREEN"
	Yellow Path = "YELLOW"
	Red    Path = "RED"
)

// Tier thresholds
const (
	GreenThreshold  = 70
	YellowThreshold = 40
)

// Sub-score caps
const (
	MaxDeviceRisk      = 30
	MaxAccountRisk     = 30
	MaxGeolocationRisk = 20
	MaxCardRisk        = 20
)

// Config - risk engine configuration
type Config struct {
	SupportedCountry string
	Defaults         *Signals
	Accounts         map[string]Signals
}

// Assessment is the risk evaluation result
type Assessment struct {
	Score           int    `json:"riskScore"`
	Path            Path   `json:"authenticationPath"`
	Reason          string `json:"reason"`
	DeviceRisk      int    `json:"deviceRisk"`
	AccountRisk     int    `json:"accountRisk"`
	GeolocationRisk int    `json:"geolocationRisk"`
	CardRisk        int    `json:"cardRisk"`
}

// Engine evaluates risk
type Engine struct {
	country string
	signals SignalSource
}

// NewEngine creates the engine. supportedCountry is the country that gets the geolocation bonus.
func NewEngine(supportedCountry string, signals SignalSource) *Engine {
	return &Engine{country: supportedCountry, signals: signals}
}

// Evaluate computes the assessment. The same input and the same signals always give the same result.
func (e *Engine) Evaluate(in card.Input, info device.Info, account string) Assessment {
	sig := e.signals.Signals(account)

	a := Assessment{
		DeviceRisk:      DeviceRisk(info),
		AccountRisk:     AccountRisk(in.Brand, sig),
		GeolocationRisk: GeolocationRisk(sig, e.country),
		CardRisk:        CardRisk(in.Brand),
	}
	a.Score = clamp(a.DeviceRisk+a.AccountRisk+a.GeolocationRisk+a.CardRisk, 0, 100)
	a.Path = PathFor(a.Score)
	a.Reason = reason(a.Score, a.Path)

	tools.Debug("risk for account %s: device %d/%d, account %d/%d, geo %d/%d, card %d/%d -> %s (%d/100)",
		account, a.DeviceRisk, MaxDeviceRisk, a.AccountRisk, MaxAccountRisk, a.GeolocationRisk, MaxGeolocationRisk,
		a.CardRisk, MaxCardRisk, a.Path, a.Score)
	return a
}

// DeviceRisk scores the device: NFC, biometrics and high trust baseline
func DeviceRisk(info device.Info) int {
	risk := 0
	if info.HasNFC {
		risk += 10
	}
	if info.HasBiometrics {
		risk += 15
	}
	if info.RiskScore > 80 {
		risk += 15
	}
	return clamp(risk, 0, MaxDeviceRisk)
}

// AccountRisk scores the account: main brand, good history and repeated use
func AccountRisk(brand card.Brand, sig Signals) int {
	risk := 15
	if brand.IsMain() {
		risk += 5
	}
	if sig.GoodHistory {
		risk += 10
	}
	if !sig.FirstTimeUse {
		risk += 5
	}
	return clamp(risk, 0, MaxAccountRisk)
}

// GeolocationRisk scores the location: supported country and known location
func GeolocationRisk(sig Signals, supportedCountry string) int {
	risk := 0
	if sig.Country == supportedCountry {
		risk += 15
	}
	if sig.KnownLocation {
		risk += 5
	}
	return clamp(risk, 0, MaxGeolocationRisk)
}

// CardRisk scores the card brand
func CardRisk(brand card.Brand) int {
	risk := 5
	if brand.IsMain() {
		risk += 15
	}
	return clamp(risk, 0, MaxCardRisk)
}

// PathFor maps the score to the authentication path
func PathFor(score int) Path {
	switch {
	case score >= GreenThreshold:
		return Green
	case score >= YellowThreshold:
		return Yellow
	default:
		return Red
	}
}

func reason(score int, path Path) string {
	switch path {
	case Green:
		return fmt.Sprintf("high confidence score (%d/100) - automatic approval", score)
	case Yellow:
		return fmt.Sprintf("moderate confidence score (%d/100) - additional verification required", score)
	default:
		return fmt.Sprintf("low confidence score (%d/100) - tokenization denied", score)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

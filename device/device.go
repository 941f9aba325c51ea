package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Info is the device description supplied by the wallet with every request
type Info struct {
	ID            string `json:"deviceId"`
	Name          string `json:"deviceName,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	AppVersion    string `json:"appVersion,omitempty"`
	HasNFC        bool   `json:"hasNfc"`
	HasBiometrics bool   `json:"hasBiometrics"`
	RiskScore     int    `json:"riskScore"` // device trust baseline 0..100
}

// Capabilities are the device features reported by the capability probe
type Capabilities struct {
	HasNFC               bool `json:"hasNfc"`
	HasHostCardEmulation bool `json:"hasHostCardEmulation"`
	HasLockScreen        bool `json:"hasLockScreen"`
	HasBiometrics        bool `json:"hasBiometrics"`
	TrustScore           int  `json:"trustScore"`
}

// Probe reports device capabilities
type Probe interface {
	Capabilities(ctx context.Context, deviceID string) (Capabilities, error)
}

// Eligible checks the tokenization requirements: NFC, host card emulation and lock screen.
// It returns the list of reasons when the device is not eligible.
func (c Capabilities) Eligible() (bool, []string) {
	reasons := []string{}
	if !c.HasNFC {
		reasons = append(reasons, "NFC is not available")
	}
	if !c.HasHostCardEmulation {
		reasons = append(reasons, "host card emulation is not supported")
	}
	if !c.HasLockScreen {
		reasons = append(reasons, "lock screen is not configured")
	}
	return len(reasons) == 0, reasons
}

// Bound limits the device description by the detected capabilities: a feature counts only when it
// is detected and the trust baseline never exceeds the detected trust score.
func (c Capabilities) Bound(info Info) Info {
	info.HasNFC = info.HasNFC && c.HasNFC
	info.HasBiometrics = info.HasBiometrics && c.HasBiometrics
	if info.RiskScore > c.TrustScore {
		info.RiskScore = c.TrustScore
	}
	return info
}

// Config is the static probe configuration
type Config struct {
	Default Capabilities
	Devices map[string]Capabilities
}

// StaticProbe answers from the configuration: per device capabilities or the default ones
type StaticProbe struct {
	conf Config
}

// NewStaticProbe creates the probe
func NewStaticProbe(conf *Config) *StaticProbe {
	return &StaticProbe{conf: *conf}
}

// Capabilities implements Probe
func (p *StaticProbe) Capabilities(_ context.Context, deviceID string) (Capabilities, error) {
	if c, ok := p.conf.Devices[deviceID]; ok {
		return c, nil
	}
	return p.conf.Default, nil
}

// Fingerprint returns the stable device fingerprint: "VISA_FP_" + first 16 hex digits of sha256 over the device data
func Fingerprint(info Info) string {
	data, _ := json.Marshal(struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		OSVersion  string `json:"os"`
		AppVersion string `json:"app"`
		HasNFC     bool   `json:"nfc"`
	}{info.ID, info.Name, info.OSVersion, info.AppVersion, info.HasNFC})
	sum := sha256.Sum256(data)
	return "VISA_FP_" + strings.ToUpper(hex.EncodeToString(sum[:8]))
}

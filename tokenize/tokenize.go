// Package tokenize is the device tokenization decision engine. It sequences card
// validation, device eligibility, risk scoring, the verification gate and the
// provider call, and reports every stage to the compliance sink.
package tokenize

import (
	"context"
	"time"

	"github.com/slytomcat/devtokenizer/card"
	"github.com/slytomcat/devtokenizer/device"
	"github.com/slytomcat/devtokenizer/risk"
)

// Status is the attempt final status
type Status string

// Attempt statuses
const (
	Success Status = "SUCCESS"
	Failure Status = "FAILURE"
	Pending Status = "PENDING"
)

// Channel is the verification channel
type Channel string

// Verification channels
const (
	SMSOTP   Channel = "SMS_OTP"
	EmailOTP Channel = "EMAIL_OTP"
	AppToApp Channel = "APP_TO_APP" // the issuer application authenticates the user and returns the code
)

// Subject binds a challenge to the account and the device of the attempt that started it
func Subject(account, deviceID string) string {
	return account + "/" + deviceID
}

// VerificationInput carries the verification data of the request: the channel and
// destination to start the verification or the otp id and the code to complete it.
type VerificationInput struct {
	Channel     Channel `json:"channel,omitempty"`
	Destination string  `json:"destination,omitempty"`
	OTPID       string  `json:"otpId,omitempty"`
	Code        string  `json:"code,omitempty"`
}

// Request is the tokenization request
type Request struct {
	Card         card.Input         `json:"card"`
	Device       device.Info        `json:"device"`
	Account      string             `json:"account"`
	Verification *VerificationInput `json:"verification,omitempty"`
}

// Payload is the normalized provider request. It never carries the full PAN or CVV.
type Payload struct {
	RequestID         string     `json:"requestId"`
	MaskedPAN         string     `json:"maskedPan"`
	Holder            string     `json:"holder"`
	Brand             card.Brand `json:"brand"`
	Expiry            string     `json:"expiry"`
	DeviceID          string     `json:"deviceId"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
}

// ProviderResponse is the provider result on success
type ProviderResponse struct {
	TokenID       string `json:"tokenId"`
	DeviceTokenID string `json:"deviceTokenId"`
	MaskedPAN     string `json:"maskedPan"`
	ExpiryDate    string `json:"expiryDate"`
	TokenNetwork  string `json:"tokenNetwork"`
}

// Provider is the token service provider
type Provider interface {
	Tokenize(ctx context.Context, p Payload) (*ProviderResponse, error)
}

// Challenge is the started verification
type Challenge struct {
	OTPID             string    `json:"otpId"`
	Channel           Channel   `json:"channel"`
	MaskedDestination string    `json:"maskedDestination"`
	Method            string    `json:"method,omitempty"` // user authentication method of APP_TO_APP
	ExpiresIn         int       `json:"expiresIn"` // seconds
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Check is the verification result
type Check struct {
	IsValid           bool   `json:"isValid"`
	RemainingAttempts int    `json:"remainingAttempts"`
	Message           string `json:"message,omitempty"`
}

// Verifier is the verification provider (OTP or App-to-App). A challenge confirms only
// the subject it was initiated for.
type Verifier interface {
	Initiate(ctx context.Context, channel Channel, destination, subject string) (*Challenge, error)
	Verify(ctx context.Context, otpID, code, subject string) (*Check, error)
}

// ComplianceFlags describe how far the attempt went
type ComplianceFlags struct {
	Attempted      bool `json:"tokenizationAttempt"`
	DeviceEligible bool `json:"deviceEligible"`
	Compliant      bool `json:"compliant"`
	Succeeded      bool `json:"successfulTokenization"`
}

// Result is the tokenization attempt result
type Result struct {
	RequestID      string           `json:"requestId"`
	Status         Status           `json:"status"`
	Success        bool             `json:"success"`
	TokenID        string           `json:"tokenId,omitempty"`
	DeviceTokenID  string           `json:"deviceTokenId,omitempty"`
	MaskedPAN      string           `json:"maskedPan,omitempty"`
	ExpiryDate     string           `json:"expiryDate,omitempty"`
	TokenNetwork   string           `json:"tokenNetwork,omitempty"`
	ErrorCode      Code             `json:"errorCode,omitempty"`
	Message        string           `json:"message,omitempty"`
	ProcessingTime int64            `json:"processingTime"` // milliseconds
	Risk           *risk.Assessment `json:"risk,omitempty"`
	Validation     *Validation      `json:"validation,omitempty"`
	Verification   *Challenge       `json:"verification,omitempty"`
	Compliance     ComplianceFlags  `json:"complianceData"`
}

// Err returns the attempt error or nil for successful attempt
func (r *Result) Err() error {
	if r.ErrorCode == "" {
		return nil
	}
	return &Error{Code: r.ErrorCode, Message: r.Message}
}

package tokenize

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slytomcat/devtokenizer/card"
	"github.com/slytomcat/devtokenizer/compliance"
	"github.com/slytomcat/devtokenizer/device"
	"github.com/slytomcat/devtokenizer/risk"
	"github.com/slytomcat/devtokenizer/tools"
)

// DefaultProviderTimeout is used when no timeout is configured
const DefaultProviderTimeout = 30 * time.Second

// Config - orchestrator configuration
type Config struct {
	ProviderTimeout int      // seconds, 0 means DefaultProviderTimeout
	BINs            []string // BIN allow-list, empty means card.DefaultBINs
	PremiumBINs     []string // BINs approved by the issuer policy, empty means DefaultPremiumBINs
}

// Deps are the orchestrator collaborators. Validator and Sink are optional.
type Deps struct {
	Validator *Validator
	Probe     device.Probe
	Risk      *risk.Engine
	Verifier  Verifier
	Provider  Provider
	Sink      compliance.Sink
}

// Orchestrator runs tokenization attempts. Attempts are independent and it is safe for concurrent use.
type Orchestrator struct {
	validator *Validator
	probe     device.Probe
	engine    *risk.Engine
	verifier  Verifier
	provider  Provider
	sink      compliance.Sink
	timeout   time.Duration
}

// New creates the orchestrator
func New(conf *Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		validator: deps.Validator,
		probe:     deps.Probe,
		engine:    deps.Risk,
		verifier:  deps.Verifier,
		provider:  deps.Provider,
		sink:      deps.Sink,
		timeout:   time.Duration(conf.ProviderTimeout) * time.Second,
	}
	if o.validator == nil {
		premium := conf.PremiumBINs
		if len(premium) == 0 {
			premium = DefaultPremiumBINs
		}
		o.validator = NewValidator(conf.BINs, BrandIssuer{PremiumBINs: premium})
	}
	if o.sink == nil {
		o.sink = compliance.Discard{}
	}
	if o.timeout <= 0 {
		o.timeout = DefaultProviderTimeout
	}
	return o
}

// Validate runs the card validation only
func (o *Orchestrator) Validate(in card.Input) *Validation {
	return o.validator.Validate(in)
}

// Assess runs the risk evaluation only and records the assessment. The device description
// is bound by the detected capabilities; a device without them is scored without trust.
func (o *Orchestrator) Assess(ctx context.Context, in card.Input, info device.Info, account string) risk.Assessment {
	caps, err := o.probe.Capabilities(ctx, info.ID)
	if err != nil {
		log.Printf("ERROR: device %s capabilities receiving error: %v", info.ID, err)
		caps = device.Capabilities{}
	}
	a := o.engine.Evaluate(in, caps.Bound(info), account)
	o.emitRisk("", a)
	return a
}

// Tokenize runs the attempt: validation, device eligibility, risk, verification gate for
// YELLOW path and the provider call. It never panics and always returns the result.
func (o *Orchestrator) Tokenize(ctx context.Context, req *Request) *Result {
	start := time.Now()
	res := &Result{
		RequestID:  tools.UniqueID(),
		Status:     Failure,
		Compliance: ComplianceFlags{Attempted: true},
	}
	defer o.finish(res, req, start)

	fingerprint := device.Fingerprint(req.Device)
	o.emit(compliance.Info, compliance.TokenizationRequest, "Tokenization request initiated", map[string]interface{}{
		"requestId":         res.RequestID,
		"deviceId":          req.Device.ID,
		"account":           req.Account,
		"issuerBin":         card.BIN(req.Card.Number),
		"cardBrand":         string(req.Card.Brand),
		"deviceFingerprint": fingerprint,
	})

	// validation
	res.Validation = o.validator.Validate(req.Card)
	res.MaskedPAN = res.Validation.MaskedPAN
	if !res.Validation.IsValid {
		o.fail(res, ValidationFailed, strings.Join(res.Validation.Messages(), ", "))
		return res
	}

	// device eligibility
	caps, err := o.probe.Capabilities(ctx, req.Device.ID)
	if err != nil {
		o.fail(res, DeviceNotEligible, fmt.Sprintf("device capabilities receiving error: %v", err))
		return res
	}
	if ok, reasons := caps.Eligible(); !ok {
		o.fail(res, DeviceNotEligible, "device does not meet the tokenization requirements: "+strings.Join(reasons, ", "))
		return res
	}
	res.Compliance.DeviceEligible = true
	res.Compliance.Compliant = true

	// risk
	a := o.engine.Evaluate(req.Card, caps.Bound(req.Device), req.Account)
	res.Risk = &a
	o.emitRisk(res.RequestID, a)
	switch a.Path {
	case risk.Red:
		o.fail(res, RiskDenied, a.Reason)
		return res
	case risk.Yellow:
		if !o.verify(ctx, req, res) {
			return res
		}
	}

	// provider
	resp, err := o.callProvider(ctx, Payload{
		RequestID:         res.RequestID,
		MaskedPAN:         res.MaskedPAN,
		Holder:            req.Card.Holder,
		Brand:             req.Card.Brand,
		Expiry:            req.Card.Expiry,
		DeviceID:          req.Device.ID,
		DeviceFingerprint: fingerprint,
	})
	if err != nil {
		res.Compliance.Compliant = false
		o.fail(res, ProviderError, err.Error())
		return res
	}

	res.Status = Success
	res.Success = true
	res.TokenID = resp.TokenID
	res.DeviceTokenID = resp.DeviceTokenID
	if resp.MaskedPAN != "" {
		res.MaskedPAN = resp.MaskedPAN
	}
	res.ExpiryDate = resp.ExpiryDate
	res.TokenNetwork = resp.TokenNetwork
	res.Message = "tokenization completed"
	res.Compliance.Succeeded = true
	return res
}

// verify is the verification gate. It returns true when the code is confirmed.
func (o *Orchestrator) verify(ctx context.Context, req *Request, res *Result) bool {
	if o.verifier == nil {
		o.pending(res, VerificationFailed, "verification is not available")
		return false
	}
	v := req.Verification
	if v == nil {
		v = &VerificationInput{}
	}
	subject := Subject(req.Account, req.Device.ID)

	if v.OTPID != "" && v.Code != "" {
		chk, err := o.verifier.Verify(ctx, v.OTPID, v.Code, subject)
		if err != nil {
			o.pending(res, VerificationFailed, fmt.Sprintf("verification error: %v", err))
			return false
		}
		o.emit(compliance.Info, compliance.Verification, "Verification code checked", map[string]interface{}{
			"requestId":         res.RequestID,
			"otpId":             v.OTPID,
			"isValid":           chk.IsValid,
			"remainingAttempts": chk.RemainingAttempts,
		})
		if !chk.IsValid {
			msg := chk.Message
			if msg == "" {
				msg = "verification code is invalid"
			}
			o.pending(res, VerificationFailed, msg)
			return false
		}
		return true
	}

	channel := v.Channel
	if channel == "" {
		channel = SMSOTP
	}
	ch, err := o.verifier.Initiate(ctx, channel, v.Destination, subject)
	if err != nil {
		o.pending(res, VerificationFailed, fmt.Sprintf("verification initiating error: %v", err))
		return false
	}
	o.emit(compliance.Info, compliance.Verification, "Verification initiated", map[string]interface{}{
		"requestId":         res.RequestID,
		"otpId":             ch.OTPID,
		"channel":           string(ch.Channel),
		"maskedDestination": ch.MaskedDestination,
		"method":            ch.Method,
		"expiresIn":         ch.ExpiresIn,
	})
	res.Status = Pending
	res.Verification = ch
	res.Message = "additional verification required: code sent to " + ch.MaskedDestination
	return false
}

type providerAnswer struct {
	resp *ProviderResponse
	err  error
}

// callProvider calls the provider with the timeout. A provider that ignores the context
// is abandoned when the timeout expires.
func (o *Orchestrator) callProvider(ctx context.Context, p Payload) (*ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ch := make(chan providerAnswer, 1)
	go func() {
		defer func() {
			if e := recover(); e != nil {
				ch <- providerAnswer{err: fmt.Errorf("provider panic: %v", e)}
			}
		}()
		resp, err := o.provider.Tokenize(ctx, p)
		if err == nil && resp == nil {
			err = fmt.Errorf("empty provider response")
		}
		ch <- providerAnswer{resp, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return nil, fmt.Errorf("provider call error: %w", a.err)
		}
		return a.resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("provider call error: %w", ctx.Err())
	}
}

func (o *Orchestrator) fail(res *Result, code Code, message string) {
	res.Status = Failure
	res.Success = false
	res.ErrorCode = code
	res.Message = message
}

func (o *Orchestrator) pending(res *Result, code Code, message string) {
	res.Status = Pending
	res.Success = false
	res.ErrorCode = code
	res.Message = message
}

func (o *Orchestrator) finish(res *Result, req *Request, start time.Time) {
	res.ProcessingTime = time.Since(start).Milliseconds()

	level, msg := compliance.Info, "Tokenization completed"
	switch res.Status {
	case Pending:
		level, msg = compliance.Warn, "Tokenization pending verification"
	case Failure:
		level, msg = compliance.Error, "Tokenization failed"
	}
	data := map[string]interface{}{
		"requestId":                  res.RequestID,
		compliance.KeySuccess:        res.Success,
		compliance.KeyStatus:         string(res.Status),
		"tokenId":                    res.TokenID,
		"errorCode":                  string(res.ErrorCode),
		compliance.KeyProcessingTime: res.ProcessingTime,
		"lastFour":                   card.LastFour(req.Card.Number),
	}
	if res.Validation != nil {
		data["issuerResponse"] = string(res.Validation.IssuerResponse)
	}
	if res.Verification != nil {
		data["verificationMethod"] = string(res.Verification.Channel)
	} else if req.Verification != nil && req.Verification.OTPID != "" {
		data["verificationMethod"] = "OTP"
	}
	o.emit(level, compliance.TokenizationResponse, msg, data)

	if res.Success {
		log.Printf("INFO: tokenization %s for device %s completed in %dms", res.RequestID, req.Device.ID, res.ProcessingTime)
	} else {
		log.Printf("INFO: tokenization %s for device %s: %s %s: %s", res.RequestID, req.Device.ID, res.Status, res.ErrorCode, res.Message)
	}
}

func (o *Orchestrator) emitRisk(requestID string, a risk.Assessment) {
	o.emit(compliance.Info, compliance.RiskAssessment, "Risk assessment completed", map[string]interface{}{
		"requestId":        requestID,
		compliance.KeyPath: string(a.Path),
		"riskScore":        a.Score,
		"deviceRisk":       a.DeviceRisk,
		"accountRisk":      a.AccountRisk,
		"geolocationRisk":  a.GeolocationRisk,
		"cardRisk":         a.CardRisk,
		"reason":           a.Reason,
	})
}

func (o *Orchestrator) emit(level compliance.Level, category compliance.Category, message string, data map[string]interface{}) {
	compliance.SafeAppend(o.sink, compliance.NewRecord(level, category, message, data))
}

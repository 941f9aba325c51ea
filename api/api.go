// Package api is the HTTP API of the token requestor
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/slytomcat/devtokenizer/card"
	"github.com/slytomcat/devtokenizer/celcoin"
	"github.com/slytomcat/devtokenizer/compliance"
	"github.com/slytomcat/devtokenizer/device"
	"github.com/slytomcat/devtokenizer/risk"
	"github.com/slytomcat/devtokenizer/tokenize"
	"github.com/slytomcat/devtokenizer/tools"
	"github.com/slytomcat/devtokenizer/verification"
)

// Config - API configuration
type Config struct {
	HostPort string
	Cert     string
	Key      string
}

// Engine is the tokenization decision engine
type Engine interface {
	Tokenize(ctx context.Context, req *tokenize.Request) *tokenize.Result
	Validate(in card.Input) *tokenize.Validation
	Assess(ctx context.Context, in card.Input, info device.Info, account string) risk.Assessment
}

// TokenManager manages the provider tokens of the cards
type TokenManager interface {
	CardTokens(ctx context.Context, cardID int64) ([]celcoin.NetworkToken, error)
	TokenInfo(ctx context.Context, cardID, tokenID int64) (*celcoin.NetworkToken, error)
	ManageToken(ctx context.Context, cardID, tokenID int64, op celcoin.Operation, reason string) (*celcoin.TokenOperation, error)
}

// Reporter provides the compliance metrics and report
type Reporter interface {
	Metrics() compliance.Metrics
	Report() compliance.Report
}

// Archiver stores the reports
type Archiver interface {
	PutReport(r *compliance.Report) (string, error)
	GetURL(key string) string
}

// Deps are the API collaborators. Verifier, Tokens, Archive, Prometheus and HealthCheck are optional.
type Deps struct {
	Engine      Engine
	Verifier    tokenize.Verifier
	Tokens      TokenManager
	Reporter    Reporter
	Archive     Archiver
	Prometheus  http.Handler
	HealthCheck func() error
}

// Handler - API handler
type Handler struct {
	d        Deps
	ShutDown func() error
}

// NewHandler returns the handler without starting the server
func NewHandler(d Deps) *Handler {
	return &Handler{d: d, ShutDown: func() error { return nil }}
}

func (h *Handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	switch req.Method + req.URL.Path {
	case "POST/api/v1/tokenize":
		h.tokenizeHandler(resp, req)
	case "POST/api/v1/risk":
		h.riskHandler(resp, req)
	case "POST/api/v1/validate":
		h.validateHandler(resp, req)
	case "POST/api/v1/otp":
		h.otpHandler(resp, req)
	case "POST/api/v1/otp/verify":
		h.otpVerifyHandler(resp, req)
	case "POST/api/v1/tokens":
		h.tokensHandler(resp, req)
	case "POST/api/v1/tokens/info":
		h.tokenInfoHandler(resp, req)
	case "POST/api/v1/suspend":
		h.manageHandler(celcoin.Suspend, resp, req)
	case "POST/api/v1/unsuspend":
		h.manageHandler(celcoin.Activate, resp, req)
	case "POST/api/v1/delete":
		h.manageHandler(celcoin.Delete, resp, req)
	case "POST/api/v1/metrics":
		h.metricsHandler(resp, req)
	case "POST/api/v1/report":
		h.reportHandler(resp, req)
	case "POST/api/v1/healthcheck":
		h.healthCheck(resp, req)
	case "GET/metrics":
		if h.d.Prometheus == nil {
			resp.WriteHeader(http.StatusNotFound)
			return
		}
		h.d.Prometheus.ServeHTTP(resp, req)
	default:
		resp.WriteHeader(http.StatusBadRequest)
	}
}

// NewAPI initialize the API and returns the *handler
func NewAPI(conf *Config, d Deps) *Handler {

	server := http.Server{
		Addr: conf.HostPort,
	}

	apiHandler := NewHandler(d)
	apiHandler.ShutDown = func() error { return server.Shutdown(context.Background()) }

	server.Handler = apiHandler

	go func() {
		log.Printf("INFO: Starting API service at %s", conf.HostPort)
		var err error
		if conf.Cert == "" {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS(conf.Cert, conf.Key)
		}

		if !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
		log.Printf("INFO: API service: %v", err)
	}()

	return apiHandler
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	resp, _ := json.Marshal(v)
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}

// statusFor maps the attempt result to the HTTP status
func statusFor(res *tokenize.Result) int {
	switch res.ErrorCode {
	case "":
		if res.Status == tokenize.Pending {
			return http.StatusAccepted
		}
		return http.StatusOK
	case tokenize.ValidationFailed:
		return http.StatusBadRequest
	case tokenize.DeviceNotEligible:
		return http.StatusUnprocessableEntity
	case tokenize.RiskDenied:
		return http.StatusForbidden
	case tokenize.VerificationFailed:
		return http.StatusUnauthorized
	case tokenize.ProviderError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// test:
// curl -v -H "Content-Type: application/json" -d '{"card":{"number":"4111111111111111","holder":"JOHN DOE","expiry":"12/30","cvv":"123","brand":"visa"},"device":{"deviceId":"dev-1","hasNfc":true,"hasBiometrics":true,"riskScore":90},"account":"acc-1"}' http://localhost:8080/api/v1/tokenize

func (h *Handler) tokenizeHandler(w http.ResponseWriter, req *http.Request) {
	reqData := tokenize.Request{}
	if err := tools.ReadBodyToStruct(req.Body, &reqData); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res := h.d.Engine.Tokenize(req.Context(), &reqData)
	writeJSON(w, statusFor(res), res)
}

func (h *Handler) riskHandler(w http.ResponseWriter, req *http.Request) {
	reqData := tokenize.Request{}
	if err := tools.ReadBodyToStruct(req.Body, &reqData); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.d.Engine.Assess(req.Context(), reqData.Card, reqData.Device, reqData.Account))
}

func (h *Handler) validateHandler(w http.ResponseWriter, req *http.Request) {
	reqData := struct {
		Card card.Input `json:"card"`
	}{}
	if err := tools.ReadBodyToStruct(req.Body, &reqData); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.d.Engine.Validate(reqData.Card))
}

// verificationRequest is the standalone verification request. The challenge is bound to the account and the device.
type verificationRequest struct {
	tokenize.VerificationInput
	Account  string `json:"account"`
	DeviceID string `json:"deviceId"`
}

// test:
// curl -v -H "Content-Type: application/json" -d '{"channel":"SMS_OTP","destination":"+55 11 98765-4321","account":"acc-1","deviceId":"dev-1"}' http://localhost:8080/api/v1/otp

func (h *Handler) otpHandler(w http.ResponseWriter, req *http.Request) {
	if h.d.Verifier == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	reqData := verificationRequest{}
	if err := tools.ReadBodyToStruct(req.Body, &reqData); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ch, err := h.d.Verifier.Initiate(req.Context(), reqData.Channel, reqData.Destination, tokenize.Subject(reqData.Account, reqData.DeviceID))
	switch {
	case errors.Is(err, verification.ErrUnsupportedChannel), errors.Is(err, verification.ErrInvalidDestination):
		writeJSON(w, http.StatusBadRequest, struct {
			Message string `json:"message"`
		}{err.Error()})
	case err != nil:
		log.Printf("ERROR: verification initiation error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, ch)
	}
}

func (h *Handler) otpVerifyHandler(w http.ResponseWriter, req *http.Request) {
	if h.d.Verifier == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	reqData := verificationRequest{}
	if err := tools.ReadBodyToStruct(req.Body, &reqData); err != nil || reqData.OTPID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	check, err := h.d.Verifier.Verify(req.Context(), reqData.OTPID, reqData.Code, tokenize.Subject(reqData.Account, reqData.DeviceID))
	if err != nil {
		log.Printf("ERROR: verification error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type tokenRequest struct {
	CardID  int64  `json:"cardId"`
	TokenID int64  `json:"tokenId"`
	Reason  string `json:"reason"`
}

// readTokenRequest reads the request. It writes the error status and returns false when the request can not be served.
func (h *Handler) readTokenRequest(w http.ResponseWriter, req *http.Request, needToken bool) (tokenRequest, bool) {
	reqData := tokenRequest{}
	if h.d.Tokens == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return reqData, false
	}
	if err := tools.ReadBodyToStruct(req.Body, &reqData); err != nil || reqData.CardID == 0 || (needToken && reqData.TokenID == 0) {
		w.WriteHeader(http.StatusBadRequest)
		return reqData, false
	}
	return reqData, true
}

// writeProviderError maps the provider error to the status: not found is passed through, the rest is a gateway error
func writeProviderError(w http.ResponseWriter, err error) {
	log.Printf("ERROR: token management error: %v", err)
	httpErr := &celcoin.HTTPError{}
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusBadGateway)
}

// test:
// curl -v -H "Content-Type: application/json" -d '{"cardId":777}' http://localhost:8080/api/v1/tokens

func (h *Handler) tokensHandler(w http.ResponseWriter, req *http.Request) {
	reqData, ok := h.readTokenRequest(w, req, false)
	if !ok {
		return
	}
	tokens, err := h.d.Tokens.CardTokens(req.Context(), reqData.CardID)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) tokenInfoHandler(w http.ResponseWriter, req *http.Request) {
	reqData, ok := h.readTokenRequest(w, req, true)
	if !ok {
		return
	}
	info, err := h.d.Tokens.TokenInfo(req.Context(), reqData.CardID, reqData.TokenID)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// test:
// curl -v -H "Content-Type: application/json" -d '{"cardId":777,"tokenId":9,"reason":"lost device"}' http://localhost:8080/api/v1/suspend

func (h *Handler) manageHandler(op celcoin.Operation, w http.ResponseWriter, req *http.Request) {
	reqData, ok := h.readTokenRequest(w, req, true)
	if !ok {
		return
	}
	res, err := h.d.Tokens.ManageToken(req.Context(), reqData.CardID, reqData.TokenID, op, reqData.Reason)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) metricsHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Reporter.Metrics())
}

func (h *Handler) reportHandler(w http.ResponseWriter, req *http.Request) {
	rep := h.d.Reporter.Report()
	if h.d.Archive != nil {
		key, err := h.d.Archive.PutReport(&rep)
		if err != nil {
			// the report is returned anyway
			log.Printf("ERROR: report archiving error: %v", err)
		} else {
			w.Header().Set("Location", h.d.Archive.GetURL(key))
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) healthCheck(w http.ResponseWriter, req *http.Request) {
	if h.d.HealthCheck != nil {
		if err := h.d.HealthCheck(); err != nil {
			log.Printf("ERROR: health check failed with error: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

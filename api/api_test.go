package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slytomcat/devtokenizer/card"
	"github.com/slytomcat/devtokenizer/celcoin"
	"github.com/slytomcat/devtokenizer/compliance"
	"github.com/slytomcat/devtokenizer/device"
	"github.com/slytomcat/devtokenizer/risk"
	"github.com/slytomcat/devtokenizer/tokenize"
	"github.com/slytomcat/devtokenizer/verification"
)

type testProvider struct {
	err error
}

func (p testProvider) Tokenize(_ context.Context, pl tokenize.Payload) (*tokenize.ProviderResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &tokenize.ProviderResponse{
		TokenID:       "TKN_" + pl.RequestID,
		DeviceTokenID: "VISA_DEV_1_ABCDEF",
		MaskedPAN:     pl.MaskedPAN,
		ExpiryDate:    pl.Expiry,
		TokenNetwork:  "VISA",
	}, nil
}

// codeCatcher is the verification sender that keeps the last code
type codeCatcher struct {
	mx   sync.Mutex
	code string
}

func (c *codeCatcher) Send(_ context.Context, _ tokenize.Channel, _, code string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.code = code
	return nil
}

func (c *codeCatcher) last() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.code
}

type testTokens struct {
	mx  sync.Mutex
	ops []celcoin.Operation
}

func (tt *testTokens) CardTokens(_ context.Context, cardID int64) ([]celcoin.NetworkToken, error) {
	if cardID != 777 {
		return nil, &celcoin.HTTPError{Status: http.StatusNotFound, Body: "card not found"}
	}
	return []celcoin.NetworkToken{{TokenID: "9", CardID: 777, Status: "ACTIVE"}}, nil
}

func (tt *testTokens) TokenInfo(_ context.Context, cardID, tokenID int64) (*celcoin.NetworkToken, error) {
	if tokenID != 9 {
		return nil, errors.New("celcoin is down")
	}
	return &celcoin.NetworkToken{TokenID: "9", CardID: cardID, Status: "ACTIVE", WalletID: "GOOGLE_PAY"}, nil
}

func (tt *testTokens) ManageToken(_ context.Context, cardID, tokenID int64, op celcoin.Operation, reason string) (*celcoin.TokenOperation, error) {
	tt.mx.Lock()
	defer tt.mx.Unlock()
	tt.ops = append(tt.ops, op)
	return &celcoin.TokenOperation{ID: 1, CardID: cardID, CardTokenID: tokenID, OperationType: string(op), OperationReason: reason}, nil
}

type testArchive struct {
	err  error
	keys []string
}

func (a *testArchive) PutReport(r *compliance.Report) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.keys = append(a.keys, "report.json")
	return "report.json", nil
}

func (a *testArchive) GetURL(key string) string {
	return "http://audit/" + key
}

const newAccount = "new-account"

type fixture struct {
	srv     *httptest.Server
	journal *compliance.Journal
	codes   *codeCatcher
	archive *testArchive
	tokens  *testTokens
	health  error
}

func newFixture(t *testing.T, provider tokenize.Provider) *fixture {
	mr := miniredis.RunT(t)
	db, err := verification.Connect(&verification.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		journal: compliance.NewJournal(100),
		codes:   &codeCatcher{},
		archive: &testArchive{},
		tokens:  &testTokens{},
	}
	reg := prometheus.NewRegistry()
	signals := risk.NewStaticSignals(&risk.Config{SupportedCountry: "BR"})
	signals.Set(newAccount, risk.Signals{FirstTimeUse: true, Country: "BR"})
	verifier := verification.New(&verification.Config{}, db, f.codes)

	engine := tokenize.New(&tokenize.Config{}, tokenize.Deps{
		Probe: device.NewStaticProbe(&device.Config{
			Default: device.Capabilities{HasNFC: true, HasHostCardEmulation: true, HasLockScreen: true, HasBiometrics: true, TrustScore: 95},
			Devices: map[string]device.Capabilities{"NO_NFC": {HasHostCardEmulation: true, HasLockScreen: true}},
		}),
		Risk:     risk.NewEngine("BR", signals),
		Verifier: verifier,
		Provider: provider,
		Sink:     compliance.Tee{f.journal, compliance.NewPromSink(reg)},
	})
	h := NewHandler(Deps{
		Engine:      engine,
		Verifier:    verifier,
		Tokens:      f.tokens,
		Reporter:    f.journal,
		Archive:     f.archive,
		Prometheus:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		HealthCheck: func() error { return f.health },
	})
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

var (
	visa      = card.Input{Number: "4539 1488 0343 6467", Holder: "JOAO SILVA", Expiry: "12/28", CVV: "123", Brand: card.Visa}
	highTrust = device.Info{ID: "DEVICE_1", HasNFC: true, HasBiometrics: true, RiskScore: 90}
	lowTrust  = device.Info{ID: "DEVICE_2", RiskScore: 10}
)

func TestTokenize(t *testing.T) {
	f := newFixture(t, testProvider{})

	resp, data := f.post(t, "/api/v1/tokenize", tokenize.Request{Card: visa, Device: highTrust, Account: "acc"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	res := tokenize.Result{}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, tokenize.Success, res.Status)
	assert.Equal(t, "VISA_DEV_1_ABCDEF", res.DeviceTokenID)
	assert.Equal(t, 100, res.Risk.Score)
	assert.True(t, res.Compliance.Succeeded)
	assert.NotContains(t, string(data), "4539148803436467")
}

func TestTokenizeStatuses(t *testing.T) {
	f := newFixture(t, testProvider{})
	bad := visa
	bad.Number = "4539 1488 0343 6468"
	lowVisa := visa
	lowVisa.Brand = ""

	for _, c := range []struct {
		name   string
		req    tokenize.Request
		status int
		code   tokenize.Code
	}{
		{"invalid card", tokenize.Request{Card: bad, Device: highTrust}, http.StatusBadRequest, tokenize.ValidationFailed},
		{"no nfc", tokenize.Request{Card: visa, Device: device.Info{ID: "NO_NFC"}}, http.StatusUnprocessableEntity, tokenize.DeviceNotEligible},
		{"low trust", tokenize.Request{Card: lowVisa, Device: lowTrust, Account: newAccount}, http.StatusForbidden, tokenize.RiskDenied},
	} {
		t.Run(c.name, func(t *testing.T) {
			resp, data := f.post(t, "/api/v1/tokenize", c.req)
			assert.Equal(t, c.status, resp.StatusCode)
			res := tokenize.Result{}
			require.NoError(t, json.Unmarshal(data, &res))
			assert.Equal(t, tokenize.Failure, res.Status)
			assert.Equal(t, c.code, res.ErrorCode)
		})
	}
}

func TestTokenizeProviderError(t *testing.T) {
	f := newFixture(t, testProvider{err: errors.New("celcoin is down")})

	resp, data := f.post(t, "/api/v1/tokenize", tokenize.Request{Card: visa, Device: highTrust})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(data), "celcoin is down")
}

func TestTokenizeWithVerification(t *testing.T) {
	f := newFixture(t, testProvider{})
	req := tokenize.Request{
		Card:         visa,
		Device:       lowTrust,
		Account:      newAccount,
		Verification: &tokenize.VerificationInput{Channel: tokenize.SMSOTP, Destination: "+55 11 98765-4321"},
	}

	resp, data := f.post(t, "/api/v1/tokenize", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	res := tokenize.Result{}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, tokenize.Pending, res.Status)
	assert.Equal(t, risk.Yellow, res.Risk.Path)
	require.NotNil(t, res.Verification)
	assert.Equal(t, 300, res.Verification.ExpiresIn)

	// wrong code
	req.Verification = &tokenize.VerificationInput{OTPID: res.Verification.OTPID, Code: "not-a-code"}
	resp, data = f.post(t, "/api/v1/tokenize", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(data), string(tokenize.VerificationFailed))

	req.Verification.Code = f.codes.last()
	resp, data = f.post(t, "/api/v1/tokenize", req)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	res = tokenize.Result{}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, tokenize.Success, res.Status)
}

func TestVerificationOfOtherRequest(t *testing.T) {
	f := newFixture(t, testProvider{})
	req := tokenize.Request{Card: visa, Device: lowTrust, Account: newAccount}

	// the challenge of another account does not confirm this request
	resp, data := f.post(t, "/api/v1/otp", verificationRequest{
		VerificationInput: tokenize.VerificationInput{Channel: tokenize.SMSOTP, Destination: "11987654321"},
		Account:           "other-account",
		DeviceID:          lowTrust.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ch := tokenize.Challenge{}
	require.NoError(t, json.Unmarshal(data, &ch))
	req.Verification = &tokenize.VerificationInput{OTPID: ch.OTPID, Code: f.codes.last()}
	resp, data = f.post(t, "/api/v1/tokenize", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(data), "another request")

	resp, data = f.post(t, "/api/v1/otp", verificationRequest{
		VerificationInput: tokenize.VerificationInput{Channel: tokenize.SMSOTP, Destination: "11987654321"},
		Account:           newAccount,
		DeviceID:          lowTrust.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ch = tokenize.Challenge{}
	require.NoError(t, json.Unmarshal(data, &ch))
	req.Verification = &tokenize.VerificationInput{OTPID: ch.OTPID, Code: f.codes.last()}
	resp, data = f.post(t, "/api/v1/tokenize", req)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
}

func TestRiskUsesDetectedTrust(t *testing.T) {
	f := newFixture(t, testProvider{})

	// the device claims more than is detected for NO_NFC
	claimed := device.Info{ID: "NO_NFC", HasNFC: true, HasBiometrics: true, RiskScore: 99}
	resp, data := f.post(t, "/api/v1/risk", tokenize.Request{Card: visa, Device: claimed, Account: newAccount})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	a := risk.Assessment{}
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, 0, a.DeviceRisk)
	assert.Equal(t, 55, a.Score)
}

func TestTokenManagement(t *testing.T) {
	f := newFixture(t, testProvider{})

	resp, data := f.post(t, "/api/v1/tokens", tokenRequest{CardID: 777})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := []celcoin.NetworkToken{}
	require.NoError(t, json.Unmarshal(data, &tokens))
	require.Len(t, tokens, 1)
	assert.Equal(t, "9", tokens[0].TokenID)

	resp, _ = f.post(t, "/api/v1/tokens", tokenRequest{CardID: 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = f.post(t, "/api/v1/tokens/info", tokenRequest{CardID: 777, TokenID: 9})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := celcoin.NetworkToken{}
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "GOOGLE_PAY", info.WalletID)

	resp, _ = f.post(t, "/api/v1/tokens/info", tokenRequest{CardID: 777, TokenID: 10})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	for path, op := range map[string]celcoin.Operation{
		"/api/v1/suspend":   celcoin.Suspend,
		"/api/v1/unsuspend": celcoin.Activate,
		"/api/v1/delete":    celcoin.Delete,
	} {
		resp, data = f.post(t, path, tokenRequest{CardID: 777, TokenID: 9, Reason: "lost device"})
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		res := celcoin.TokenOperation{}
		require.NoError(t, json.Unmarshal(data, &res))
		assert.Equal(t, string(op), res.OperationType)
		assert.Equal(t, "lost device", res.OperationReason)
	}
	assert.Len(t, f.tokens.ops, 3)

	// token id is required for the operations
	resp, _ = f.post(t, "/api/v1/suspend", tokenRequest{CardID: 777})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.post(t, "/api/v1/tokens", tokenRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBrokenBody(t *testing.T) {
	f := newFixture(t, testProvider{})
	for _, path := range []string{"/api/v1/tokenize", "/api/v1/risk", "/api/v1/validate", "/api/v1/otp", "/api/v1/otp/verify",
		"/api/v1/tokens", "/api/v1/tokens/info", "/api/v1/suspend", "/api/v1/unsuspend", "/api/v1/delete"} {
		resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader([]byte("{broken")))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestUnknownPath(t *testing.T) {
	f := newFixture(t, testProvider{})
	resp, _ := f.post(t, "/api/v1/transact", struct{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(f.srv.URL + "/api/v1/tokenize")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRisk(t *testing.T) {
	f := newFixture(t, testProvider{})

	resp, data := f.post(t, "/api/v1/risk", tokenize.Request{Card: visa, Device: lowTrust, Account: newAccount})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	a := risk.Assessment{}
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, 55, a.Score)
	assert.Equal(t, risk.Yellow, a.Path)
	assert.Equal(t, 1, f.journal.Len())
}

func TestValidate(t *testing.T) {
	f := newFixture(t, testProvider{})

	resp, data := f.post(t, "/api/v1/validate", struct {
		Card card.Input `json:"card"`
	}{visa})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	v := tokenize.Validation{}
	require.NoError(t, json.Unmarshal(data, &v))
	assert.True(t, v.IsValid)
	assert.Equal(t, "**** **** **** 6467", v.MaskedPAN)

	in := visa
	in.CVV = "1"
	_, data = f.post(t, "/api/v1/validate", struct {
		Card card.Input `json:"card"`
	}{in})
	v = tokenize.Validation{}
	require.NoError(t, json.Unmarshal(data, &v))
	assert.False(t, v.IsValid)
	require.NotEmpty(t, v.Errors)
	assert.Equal(t, card.InvalidCvvFormat, v.Errors[len(v.Errors)-1].Code)
}

func TestOTP(t *testing.T) {
	f := newFixture(t, testProvider{})

	resp, data := f.post(t, "/api/v1/otp", tokenize.VerificationInput{Channel: tokenize.EmailOTP, Destination: "joao@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ch := tokenize.Challenge{}
	require.NoError(t, json.Unmarshal(data, &ch))
	assert.Equal(t, 600, ch.ExpiresIn)
	assert.Equal(t, "jo***@example.com", ch.MaskedDestination)

	resp, data = f.post(t, "/api/v1/otp/verify", tokenize.VerificationInput{OTPID: ch.OTPID, Code: f.codes.last()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	chk := tokenize.Check{}
	require.NoError(t, json.Unmarshal(data, &chk))
	assert.True(t, chk.IsValid)

	// the code is single-use
	_, data = f.post(t, "/api/v1/otp/verify", tokenize.VerificationInput{OTPID: ch.OTPID, Code: f.codes.last()})
	chk = tokenize.Check{}
	require.NoError(t, json.Unmarshal(data, &chk))
	assert.False(t, chk.IsValid)

	resp, _ = f.post(t, "/api/v1/otp", tokenize.VerificationInput{Channel: "PUSH", Destination: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.post(t, "/api/v1/otp", tokenize.VerificationInput{Channel: tokenize.SMSOTP, Destination: "123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNoVerifier(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Deps{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/otp", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/suspend", "application/json", bytes.NewReader([]byte(`{"cardId":1,"tokenId":2}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsAndReport(t *testing.T) {
	f := newFixture(t, testProvider{})
	f.post(t, "/api/v1/tokenize", tokenize.Request{Card: visa, Device: highTrust, Account: "acc"})

	resp, data := f.post(t, "/api/v1/metrics", struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	m := compliance.Metrics{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 1, m.TotalTokenizations)
	assert.Equal(t, 100.0, m.SuccessRate)
	assert.Equal(t, 1, m.RiskDistribution["GREEN"])

	resp, data = f.post(t, "/api/v1/report", struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://audit/report.json", resp.Header.Get("Location"))
	rep := compliance.Report{}
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.True(t, rep.Compliant)
	assert.Len(t, rep.RecentRecords, 3)
	assert.Equal(t, []string{"report.json"}, f.archive.keys)

	// archive failure does not break the report
	f.archive.err = errors.New("s3 is down")
	resp, _ = f.post(t, "/api/v1/report", struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))

	get, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer get.Body.Close()
	body, _ := ioutil.ReadAll(get.Body)
	assert.Equal(t, http.StatusOK, get.StatusCode)
	assert.Contains(t, string(body), `devtokenizer_tokenizations_total{status="SUCCESS"} 1`)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, testProvider{})

	resp, _ := f.post(t, "/api/v1/healthcheck", struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.health = errors.New("redis is down")
	resp, _ = f.post(t, "/api/v1/healthcheck", struct{}{})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

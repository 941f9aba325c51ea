package celcoin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slytomcat/devtokenizer/tokenize"
)

type fakeAPI struct {
	authCalls     int32
	cardCalls     int32
	activateCalls int32
	expiresIn     int
	cardStatus    int
	mx            sync.Mutex
	lastCard      CreateCardRequest
	lastAuth      string
}

func (f *fakeAPI) last() (CreateCardRequest, string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.lastCard, f.lastAuth
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.authCalls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		if r.Form.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "client-id", r.Form.Get("client_id"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-" + r.Form.Get("client_id"),
			"expires_in":   f.expiresIn,
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/cards/v1/accounts/10/customers/20/card", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.cardCalls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		f.mx.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastCard))
		f.mx.Unlock()
		if f.cardStatus != 0 && f.cardStatus != http.StatusOK {
			w.WriteHeader(f.cardStatus)
			w.Write([]byte(`{"version":"1.0","status":400,"error":{"errorCode":"CC001","message":"card limit reached"}}`))
			return
		}
		w.Write([]byte(`{"version":"1.0","status":200,"body":{"id":4242,"lastDigits":"9876","status":"CREATED","type":"VIRTUAL","expirationDate":"2031-05"}}`))
	})
	mux.HandleFunc("/cards/v1/accounts/10/customers/20/card/4242/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"version":"1.0","status":200,"body":[{"tokenId":"9","cardId":4242,"status":"ACTIVE","walletId":"GOOGLE_PAY"},{"tokenId":"10","cardId":4242,"status":"SUSPENDED"}]}`))
	})
	mux.HandleFunc("/cards/v1/accounts/10/customers/20/card/4242/token/9/info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"version":"1.0","status":200,"body":{"token":{"key":{"tokenRef":"DNITHE1","panRef":"V-123","paymentNetwork":"VISA"},"tokenId":"9","accountId":10,"programId":"P1","cardId":4242,"walletId":"GOOGLE_PAY","status":"ACTIVE","updatedAt":"2025-03-01T12:00:00Z"}}}`))
	})
	mux.HandleFunc("/cards/v1/accounts/10/customers/20/card/4242/token/404/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"version":"1.0","status":404,"error":{"errorCode":"CC404","message":"token not found"}}`))
	})
	mux.HandleFunc("/cards/v1/accounts/10/customers/20/card/4242/network-tokens/9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		op := struct {
			OperationReason string `json:"operationReason"`
			OperationType   string `json:"operationType"`
		}{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&op))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"version": "1.0",
			"status":  200,
			"body": map[string]interface{}{
				"id": 1, "cardId": 4242, "cardTokenId": 9, "operationReason": op.OperationReason, "operationType": op.OperationType,
			},
		})
	})
	mux.HandleFunc("/cards/v1/accounts/10/customers/20/card/4242/activate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.activateCalls, 1)
		assert.Equal(t, http.MethodPut, r.Method)
		w.Write([]byte(`{"version":"1.0","status":200}`))
	})
	return mux
}

func newClient(t *testing.T, f *fakeAPI, mod func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	conf := &Config{
		AuthURL:          srv.URL + "/v5/token",
		CardsURL:         srv.URL + "/cards/v1/",
		ClientID:         "client-id",
		ClientSecret:     "secret",
		AccountID:        10,
		CustomerID:       20,
		TransactionLimit: decimal.RequireFromString("5000.50"),
		Timeout:          5,
	}
	if mod != nil {
		mod(conf)
	}
	return New(conf)
}

var payload = tokenize.Payload{
	RequestID:         "req-1",
	MaskedPAN:         "**** **** **** 6467",
	Holder:            "JOAO SILVA",
	Brand:             "visa",
	Expiry:            "12/28",
	DeviceID:          "DEVICE_1",
	DeviceFingerprint: "VISA_FP_0011223344556677",
}

var _ tokenize.Provider = &Client{}

func TestTokenize(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, nil)

	res, err := c.Tokenize(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "4242", res.TokenID)
	assert.Equal(t, "**** **** **** 9876", res.MaskedPAN)
	assert.Equal(t, "2031-05", res.ExpiryDate)
	assert.Equal(t, "VISA", res.TokenNetwork)
	assert.Regexp(t, regexp.MustCompile(`^VISA_DEV_\d+_[0-9A-F]{6}$`), res.DeviceTokenID)

	card, auth := f.last()
	assert.Equal(t, "Bearer token-client-id", auth)
	assert.Equal(t, CreateCardRequest{
		Name:                     "VISA Device Token - JOAO SILVA",
		PrintedName:              "JOAO SILVA",
		Type:                     "VIRTUAL",
		CVVRotationIntervalHours: 24,
		TransactionLimit:         500050,
		ContactlessEnabled:       true,
		ModeType:                 "SINGLE",
		Metadata: map[string]string{
			"visaTokenization":   "true",
			"deviceFingerprint":  "VISA_FP_0011223344556677",
			"tokenizationMethod": "DEVICE_TOKENIZATION",
			"requestId":          "req-1",
		},
	}, card)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.activateCalls))
}

func TestTokenCache(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Tokenize(context.Background(), payload)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.authCalls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.cardCalls))
}

func TestTokenRenewal(t *testing.T) {
	// the token is renewed 5 minutes before expiration: this one is good for a second
	f := &fakeAPI{expiresIn: 301}
	c := newClient(t, f, nil)

	require.NoError(t, c.Check(context.Background()))
	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.authCalls))

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.authCalls))
}

func TestShortLivedToken(t *testing.T) {
	f := &fakeAPI{expiresIn: 120}
	c := newClient(t, f, nil)

	require.NoError(t, c.Check(context.Background()))
	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.authCalls))
}

func TestAuthError(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, func(conf *Config) { conf.ClientSecret = "wrong" })

	_, err := c.Tokenize(context.Background(), payload)
	require.Error(t, err)
	httpErr := &HTTPError{}
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.cardCalls))
}

func TestCardError(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600, cardStatus: http.StatusBadRequest}
	c := newClient(t, f, nil)

	_, err := c.Tokenize(context.Background(), payload)
	require.Error(t, err)
	httpErr := &HTTPError{}
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	assert.Contains(t, httpErr.Body, "card limit reached")
	assert.Contains(t, err.Error(), "400 Bad Request")
}

func TestActivate(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, func(conf *Config) { conf.Activate = true; conf.ModeType = "COMBO" })

	_, err := c.Tokenize(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.activateCalls))
	card, _ := f.last()
	assert.Equal(t, "COMBO", card.ModeType)
}

func TestCanceledContext(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Tokenize(ctx, payload)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDefaults(t *testing.T) {
	c := New(&Config{CardsURL: "https://api/cards/v1/", AccountID: 1, CustomerID: 2})
	assert.True(t, c.conf.TransactionLimit.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, 24, c.conf.CVVRotationHours)
	assert.Equal(t, "SINGLE", c.conf.ModeType)
	assert.Equal(t, "https://api/cards/v1/accounts/1/customers/2/card", c.cardURL())
}

func TestDeviceTokenID(t *testing.T) {
	ts := time.Unix(1700000000, 123000000)
	id := DeviceTokenID(ts)
	assert.Regexp(t, `^VISA_DEV_1700000000123_[0-9A-F]{6}$`, id)
	assert.NotEqual(t, id, DeviceTokenID(ts))
}

func TestCardTokens(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, nil)

	tokens, err := c.CardTokens(context.Background(), 4242)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "9", tokens[0].TokenID)
	assert.Equal(t, "GOOGLE_PAY", tokens[0].WalletID)
	assert.Equal(t, "SUSPENDED", tokens[1].Status)

	_, err = c.CardTokens(context.Background(), 1)
	httpErr := &HTTPError{}
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
}

func TestTokenInfo(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, nil)

	info, err := c.TokenInfo(context.Background(), 4242, 9)
	require.NoError(t, err)
	assert.Equal(t, TokenKey{TokenRef: "DNITHE1", PANRef: "V-123", PaymentNetwork: "VISA"}, info.Key)
	assert.Equal(t, int64(4242), info.CardID)
	assert.Equal(t, "ACTIVE", info.Status)

	_, err = c.TokenInfo(context.Background(), 4242, 404)
	httpErr := &HTTPError{}
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Contains(t, httpErr.Body, "token not found")
}

func TestManageToken(t *testing.T) {
	f := &fakeAPI{expiresIn: 3600}
	c := newClient(t, f, nil)

	for _, op := range []Operation{Suspend, Activate, Delete} {
		res, err := c.ManageToken(context.Background(), 4242, 9, op, "lost device")
		require.NoError(t, err)
		assert.Equal(t, string(op), res.OperationType)
		assert.Equal(t, "lost device", res.OperationReason)
		assert.Equal(t, int64(9), res.CardTokenID)
	}

	_, err := c.ManageToken(context.Background(), 4242, 9, Operation("BLOCK"), "")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.authCalls))
}

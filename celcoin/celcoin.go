// Package celcoin is the tokenization provider over the Celcoin cards API.
// Every device token is a virtual card created for the configured account and customer.
package celcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/slytomcat/devtokenizer/tokenize"
	"github.com/slytomcat/devtokenizer/tools"
)

const (
	refreshMargin    = 5 * time.Minute
	defaultCVVHours  = 24
	defaultModeType  = "SINGLE"
	tokenNetwork     = "VISA"
	userAgent        = "devtokenizer/1.0"
	integrationValue = "CELCOIN_DEVICE_TOKENIZATION"
)

var defaultLimit = decimal.NewFromInt(5000)

// Config - Celcoin API configuration
type Config struct {
	AuthURL          string
	CardsURL         string
	ClientID         string
	ClientSecret     string
	AccountID        int64
	CustomerID       int64
	TransactionLimit decimal.Decimal // BRL, sent in cents
	CVVRotationHours int
	ModeType         string // SINGLE or COMBO
	Activate         bool   // activate the created card
	Timeout          int    // HTTP client timeout, seconds
}

// HTTPError is the not successful API response
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("responce error: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Client is the Celcoin API client. It implements tokenize.Provider.
type Client struct {
	conf   Config
	http   *http.Client
	tokens oauth2.TokenSource
	now    func() time.Time
}

// New creates the client
func New(conf *Config) *Client {
	c := &Client{
		conf: *conf,
		http: &http.Client{Timeout: time.Duration(conf.Timeout) * time.Second},
		now:  time.Now,
	}
	if c.conf.TransactionLimit.IsZero() {
		c.conf.TransactionLimit = defaultLimit
	}
	if c.conf.CVVRotationHours == 0 {
		c.conf.CVVRotationHours = defaultCVVHours
	}
	if c.conf.ModeType == "" {
		c.conf.ModeType = defaultModeType
	}
	c.conf.CardsURL = strings.TrimSuffix(c.conf.CardsURL, "/")

	// the token is renewed 5 minutes before its expiration
	c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, authSource{
		ctx: context.WithValue(context.Background(), oauth2.HTTPClient, c.http),
		conf: &clientcredentials.Config{
			ClientID:     c.conf.ClientID,
			ClientSecret: c.conf.ClientSecret,
			TokenURL:     c.conf.AuthURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, refreshMargin)
	return c
}

// authSource requests new access token on every call
type authSource struct {
	ctx  context.Context
	conf *clientcredentials.Config
}

func (s authSource) Token() (*oauth2.Token, error) {
	t, err := s.conf.Token(s.ctx)
	if err != nil {
		rErr := &oauth2.RetrieveError{}
		if errors.As(err, &rErr) && rErr.Response != nil {
			err = &HTTPError{Status: rErr.Response.StatusCode, Body: string(rErr.Body)}
		}
		return nil, fmt.Errorf("authentication error: %w", err)
	}
	log.Printf("INFO: celcoin access token received, valid until %s", t.Expiry.Format(time.RFC3339))
	return t, nil
}

// request makes authorized request by 'url' with 'payload'. It returns responce body and error
func (c *Client) request(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("request creation error: %w", err)
	}
	if len(payload) > 0 {
		request.Header.Add("Content-Type", "application/json")
	}
	token.SetAuthHeader(request)
	request.Header.Add("X-VISA-Integration", integrationValue)
	request.Header.Add("Accept", "application/json")
	request.Header.Add("User-Agent", userAgent)

	tools.Debug("    <<<<<<<    Request: %s %s\n%s", method, url, payload)

	responce, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request sending error: %w", err)
	}
	defer responce.Body.Close()

	body, err := io.ReadAll(responce.Body)
	if err != nil {
		return nil, fmt.Errorf("responce body reading error: %w", err)
	}
	tools.Debug("    >>>>>>>    Response: %s\n%s", responce.Status, body)

	if responce.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: responce.StatusCode, Body: string(body)}
	}
	return body, nil
}

type apiError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// envelope is the common API responce
type envelope struct {
	Version string          `json:"version"`
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
	Error   *apiError       `json:"error"`
}

// call sends 'in' as JSON payload and decodes the responce body into 'out'
func (c *Client) call(ctx context.Context, method, url string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		payload, _ = json.Marshal(in)
	}
	body, err := c.request(ctx, method, url, payload)
	if err != nil {
		return err
	}
	env := envelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("responce parsing error: %w", err)
	}
	if env.Error != nil {
		return fmt.Errorf("responce error received: %s %s", env.Error.ErrorCode, env.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return fmt.Errorf("responce error received: no data")
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("responce body parsing error: %w", err)
	}
	return nil
}

// CreateCardRequest is the virtual card creation payload
type CreateCardRequest struct {
	Name                     string            `json:"name"`
	PrintedName              string            `json:"printedName"`
	Type                     string            `json:"type"`
	CVVRotationIntervalHours int               `json:"cvvRotationIntervalHours"`
	TransactionLimit         int64             `json:"transactionLimit"` // cents
	ContactlessEnabled       bool              `json:"contactlessEnabled"`
	ModeType                 string            `json:"modeType"`
	Metadata                 map[string]string `json:"metadata,omitempty"`
}

// Card is the card data returned by the API
type Card struct {
	ID             int64  `json:"id"`
	LastDigits     string `json:"lastDigits"`
	Status         string `json:"status"`
	Bin            string `json:"bin"`
	Type           string `json:"type"`
	ExpirationDate string `json:"expirationDate"`
	Name           string `json:"name"`
	PrintedName    string `json:"printedName"`
}

func (c *Client) cardURL() string {
	return fmt.Sprintf("%s/accounts/%d/customers/%d/card", c.conf.CardsURL, c.conf.AccountID, c.conf.CustomerID)
}

// CreateCard creates the virtual card
func (c *Client) CreateCard(ctx context.Context, req *CreateCardRequest) (*Card, error) {
	card := &Card{}
	if err := c.call(ctx, http.MethodPost, c.cardURL(), req, card); err != nil {
		return nil, err
	}
	if card.ID == 0 {
		return nil, fmt.Errorf("responce error received: no card data")
	}
	return card, nil
}

// ActivateCard activates the card
func (c *Client) ActivateCard(ctx context.Context, cardID int64) error {
	_, err := c.request(ctx, http.MethodPut, fmt.Sprintf("%s/%d/activate", c.cardURL(), cardID), nil)
	return err
}

// Tokenize implements tokenize.Provider: it creates the virtual card bound to the device fingerprint
func (c *Client) Tokenize(ctx context.Context, p tokenize.Payload) (*tokenize.ProviderResponse, error) {
	card, err := c.CreateCard(ctx, &CreateCardRequest{
		Name:                     "VISA Device Token - " + p.Holder,
		PrintedName:              p.Holder,
		Type:                     "VIRTUAL",
		CVVRotationIntervalHours: c.conf.CVVRotationHours,
		TransactionLimit:         c.conf.TransactionLimit.Mul(decimal.NewFromInt(100)).IntPart(),
		ContactlessEnabled:       true,
		ModeType:                 c.conf.ModeType,
		Metadata: map[string]string{
			"visaTokenization":   "true",
			"deviceFingerprint":  p.DeviceFingerprint,
			"tokenizationMethod": "DEVICE_TOKENIZATION",
			"requestId":          p.RequestID,
		},
	})
	if err != nil {
		return nil, err
	}

	if c.conf.Activate {
		if err := c.ActivateCard(ctx, card.ID); err != nil {
			return nil, fmt.Errorf("card %d activation error: %w", card.ID, err)
		}
	}

	res := &tokenize.ProviderResponse{
		TokenID:       strconv.FormatInt(card.ID, 10),
		DeviceTokenID: DeviceTokenID(c.now()),
		MaskedPAN:     p.MaskedPAN,
		ExpiryDate:    p.Expiry,
		TokenNetwork:  tokenNetwork,
	}
	if card.LastDigits != "" {
		res.MaskedPAN = "**** **** **** " + card.LastDigits
	}
	if card.ExpirationDate != "" {
		res.ExpiryDate = card.ExpirationDate
	}
	log.Printf("INFO: celcoin card %d created for request %s", card.ID, p.RequestID)
	return res, nil
}

// Check checks the API availability by authentication
func (c *Client) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.tokens.Token()
	return err
}

// DeviceTokenID returns new device token id: VISA_DEV_<unix ms>_<6 random chars>
func DeviceTokenID(t time.Time) string {
	random := strings.ToUpper(strings.ReplaceAll(tools.UniqueID(), "-", ""))[:6]
	return fmt.Sprintf("VISA_DEV_%d_%s", t.UnixNano()/int64(time.Millisecond), random)
}

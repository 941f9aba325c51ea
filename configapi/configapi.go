// Package configapi is the runtime configuration API: it sets the account risk signals
package configapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/slytomcat/devtokenizer/compliance"
	"github.com/slytomcat/devtokenizer/risk"
	"github.com/slytomcat/devtokenizer/tools"
)

// CfgAPI - configuration api handlers interface
type CfgAPI interface {
	Set(account string, sig risk.Signals)
	Reset(account string)
}

// Config - API configuration
type Config struct {
	HostPort string
	Cert     string
	Key      string
	Secret   string // HS256 key of the bearer tokens, empty disables the authorization
	Issuer   string // expected token issuer, empty means any
}

// Capi is the configuration API handler
type Capi struct {
	handler  CfgAPI
	secret   []byte
	issuer   string
	sink     compliance.Sink
	ShutDown func() error
}

func (c Capi) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if err := c.authorize(req); err != nil {
		log.Printf("ERROR: config API request %s %s rejected: %v", req.Method, req.URL.Path, err)
		compliance.SafeAppend(c.sink, compliance.NewRecord(compliance.Warn, compliance.SecurityEvent,
			"Unauthorized configuration request", map[string]interface{}{
				"path":   req.URL.Path,
				"remote": req.RemoteAddr,
				"reason": err.Error(),
			}))
		resp.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch req.Method + req.URL.Path {
	case "POST/capi/v1/signals":
		c.setSignals(resp, req)
	case "POST/capi/v1/signals/reset":
		c.resetSignals(resp, req)
	default:
		resp.WriteHeader(http.StatusBadRequest)
	}
}

// NewHandler returns the handler without starting the server. Rejected requests are reported to sink.
func NewHandler(conf *Config, handler CfgAPI, sink compliance.Sink) *Capi {
	if sink == nil {
		sink = compliance.Discard{}
	}
	return &Capi{
		handler:  handler,
		secret:   []byte(conf.Secret),
		issuer:   conf.Issuer,
		sink:     sink,
		ShutDown: func() error { return nil },
	}
}

// authorize checks the bearer token
func (c Capi) authorize(req *http.Request) error {
	if len(c.secret) == 0 {
		return nil
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return errors.New("no bearer token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	_, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("token validation error: %w", err)
	}
	return nil
}

// NewConfigAPI creates new configuration adapter
func NewConfigAPI(conf *Config, handler CfgAPI, sink compliance.Sink) *Capi {

	server := http.Server{
		Addr: conf.HostPort,
	}

	capi := NewHandler(conf, handler, sink)
	capi.ShutDown = func() error { return server.Shutdown(context.Background()) }

	server.Handler = capi

	go func() {
		log.Printf("INFO: Starting Config API service at %s", conf.HostPort)
		var err error
		if conf.Cert == "" {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS(conf.Cert, conf.Key)
		}

		if !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
		log.Printf("INFO: Config API service: %v", err)
	}()

	return capi
}

// test:
// curl -v -H "Content-Type: application/json" -d '{"account":"acc-1","signals":{"goodHistory":false,"firstTimeUse":true,"country":"BR","knownLocation":false}}' http://localhost:8081/capi/v1/signals

func (c *Capi) setSignals(w http.ResponseWriter, r *http.Request) {

	reqData := struct {
		Account string        `json:"account"`
		Signals *risk.Signals `json:"signals"`
	}{}

	if err := tools.ReadBodyToStruct(r.Body, &reqData); err != nil || reqData.Account == "" || reqData.Signals == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c.handler.Set(reqData.Account, *reqData.Signals)
	log.Printf("INFO: risk signals for account %s are set to %+v", reqData.Account, *reqData.Signals)
}

// empty account resets all accounts
func (c *Capi) resetSignals(w http.ResponseWriter, r *http.Request) {

	reqData := struct {
		Account string `json:"account"`
	}{}

	if err := tools.ReadBodyToStruct(r.Body, &reqData); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c.handler.Reset(reqData.Account)
	log.Printf("INFO: risk signals for account %q are reset", reqData.Account)
}

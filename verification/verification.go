// Package verification is the one-time password and App-to-App verification provider.
// Challenges are kept in redis with the channel TTL and are removed on success
// or when the attempts are exhausted. Every check is a single redis script so
// concurrent checks of one challenge can not confirm it twice or exceed the attempts.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/slytomcat/devtokenizer/tokenize"
	"github.com/slytomcat/devtokenizer/tools"
)

const (
	prefix = "OTP-" // prefix for keys in storage

	defaultSMSTTL      = 300 // seconds
	defaultEmailTTL    = 600 // seconds
	defaultAppTTL      = 300 // seconds
	defaultMaxAttempts = 3
	codeLength         = 6
)

// Errors returned by Initiate
var (
	ErrUnsupportedChannel = errors.New("unsupported verification channel")
	ErrInvalidDestination = errors.New("invalid destination")
)

// Config - verification configuration
type Config struct {
	Addrs       []string
	Password    string
	SMSTTL      int    // seconds
	EmailTTL    int    // seconds
	AppTTL      int    // seconds
	AppMethod   string // authentication method reported by the default App-to-App authenticator
	MaxAttempts int
}

// Connect creates redis connection and checks it
func Connect(conf *Config) (redis.UniversalClient, error) {
	db := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
	})

	// try to ping data base
	if _, err := db.Ping().Result(); err != nil {
		return nil, fmt.Errorf("redis connection error: %w", err)
	}
	return db, nil
}

// Sender delivers the code to the destination
type Sender interface {
	Send(ctx context.Context, channel tokenize.Channel, destination, code string) error
}

// LogSender only logs the delivery. The code is printed in debug mode only.
type LogSender struct{}

// Send implements Sender
func (LogSender) Send(_ context.Context, channel tokenize.Channel, destination, code string) error {
	log.Printf("INFO: %s code sent to %s", channel, Mask(channel, destination))
	tools.Debug("%s code for %s: %s", channel, destination, code)
	return nil
}

// User authentication methods of the issuer application
const (
	Biometric = "BIOMETRIC"
	PIN       = "PIN"
	Password  = "PASSWORD"
)

// Authenticator hands the App-to-App challenge to the issuer application. The application
// authenticates the user and passes the code back to the wallet. It returns the method used.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, otpID, code string) (string, error)
}

// LogAuthenticator only logs the request. The code is printed in debug mode only.
type LogAuthenticator struct {
	Method string // BIOMETRIC when empty
}

// Authenticate implements Authenticator
func (a LogAuthenticator) Authenticate(_ context.Context, userID, otpID, code string) (string, error) {
	log.Printf("INFO: App-to-App verification %s requested for user %s", otpID, Mask(tokenize.AppToApp, userID))
	tools.Debug("App-to-App code for %s: %s", userID, code)
	if a.Method == "" {
		return Biometric, nil
	}
	return a.Method, nil
}

// verifyScript checks the code and counts the attempt atomically.
// KEYS[1] - challenge, ARGV: code, subject, max attempts.
// It returns {result, remaining attempts}: 0 - unknown, 1 - confirmed, 2 - wrong code, 3 - other subject.
var verifyScript = redis.NewScript(`
local c = redis.call('HMGET', KEYS[1], 'code', 'subject')
if not c[1] then
	return {0, 0}
end
if c[1] == ARGV[1] and c[2] == ARGV[2] then
	redis.call('DEL', KEYS[1])
	return {1, 0}
end
local remaining = tonumber(ARGV[3]) - redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if remaining <= 0 then
	redis.call('DEL', KEYS[1])
end
if c[2] ~= ARGV[2] then
	return {3, remaining}
end
return {2, remaining}
`)

const (
	checkUnknown = iota
	checkConfirmed
	checkWrongCode
	checkWrongSubject
)

// Service implements tokenize.Verifier over redis
type Service struct {
	db          redis.UniversalClient
	sender      Sender
	auth        Authenticator
	ttl         map[tokenize.Channel]time.Duration
	maxAttempts int
}

// New creates the service. Nil sender means LogSender.
func New(conf *Config, db redis.UniversalClient, sender Sender) *Service {
	if sender == nil {
		sender = LogSender{}
	}
	s := &Service{
		db:     db,
		sender: sender,
		auth:   LogAuthenticator{Method: conf.AppMethod},
		ttl: map[tokenize.Channel]time.Duration{
			tokenize.SMSOTP:   time.Duration(defaultSMSTTL) * time.Second,
			tokenize.EmailOTP: time.Duration(defaultEmailTTL) * time.Second,
			tokenize.AppToApp: time.Duration(defaultAppTTL) * time.Second,
		},
		maxAttempts: defaultMaxAttempts,
	}
	if conf.SMSTTL > 0 {
		s.ttl[tokenize.SMSOTP] = time.Duration(conf.SMSTTL) * time.Second
	}
	if conf.EmailTTL > 0 {
		s.ttl[tokenize.EmailOTP] = time.Duration(conf.EmailTTL) * time.Second
	}
	if conf.AppTTL > 0 {
		s.ttl[tokenize.AppToApp] = time.Duration(conf.AppTTL) * time.Second
	}
	if conf.MaxAttempts > 0 {
		s.maxAttempts = conf.MaxAttempts
	}
	return s
}

// WithAuthenticator sets the App-to-App authenticator
func (s *Service) WithAuthenticator(a Authenticator) *Service {
	s.auth = a
	return s
}

// Initiate creates the challenge for the subject and sends the code. App-to-App codes are
// handed to the issuer application with the user id as destination.
func (s *Service) Initiate(ctx context.Context, channel tokenize.Channel, destination, subject string) (*tokenize.Challenge, error) {
	ttl, ok := s.ttl[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel)
	}
	if !ValidDestination(channel, destination) {
		return nil, fmt.Errorf("%w for %s", ErrInvalidDestination, channel)
	}

	code, err := newCode()
	if err != nil {
		return nil, fmt.Errorf("code generation error: %w", err)
	}
	id := string(channel) + "_" + tools.UniqueID()
	if channel == tokenize.AppToApp {
		id = "APP_VERIFY_" + tools.UniqueID()
	}

	pipe := s.db.TxPipeline()
	pipe.HSet(prefix+id, map[string]interface{}{
		"channel":  string(channel),
		"code":     code,
		"subject":  subject,
		"attempts": 0,
	})
	pipe.Expire(prefix+id, ttl)
	if _, err := pipe.Exec(); err != nil {
		return nil, fmt.Errorf("challenge storing error: %w", err)
	}

	ch := &tokenize.Challenge{
		OTPID:             id,
		Channel:           channel,
		MaskedDestination: Mask(channel, destination),
		ExpiresIn:         int(ttl / time.Second),
		ExpiresAt:         time.Now().Add(ttl).UTC(),
	}
	if channel == tokenize.AppToApp {
		ch.Method, err = s.auth.Authenticate(ctx, destination, id, code)
	} else {
		err = s.sender.Send(ctx, channel, destination, code)
	}
	if err != nil {
		s.db.Del(prefix + id)
		return nil, fmt.Errorf("code sending error: %w", err)
	}
	return ch, nil
}

// Verify checks the code of the subject. Unknown or expired challenge is reported as invalid check.
// A check of other subject counts as a failed attempt.
func (s *Service) Verify(ctx context.Context, otpID, code, subject string) (*tokenize.Check, error) {
	res, err := verifyScript.Run(s.db, []string{prefix + otpID}, code, subject, s.maxAttempts).Result()
	if err != nil {
		return nil, fmt.Errorf("challenge checking error: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("challenge checking error: unexpected result %v", res)
	}
	result, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)

	switch {
	case result == checkUnknown:
		return &tokenize.Check{IsValid: false, Message: "verification code is expired or unknown"}, nil
	case result == checkConfirmed:
		return &tokenize.Check{IsValid: true, Message: "verification code is confirmed"}, nil
	case remaining <= 0:
		return &tokenize.Check{IsValid: false, Message: "too many attempts, start a new verification"}, nil
	case result == checkWrongSubject:
		return &tokenize.Check{
			IsValid:           false,
			RemainingAttempts: int(remaining),
			Message:           "verification code is issued for another request",
		}, nil
	}
	return &tokenize.Check{
		IsValid:           false,
		RemainingAttempts: int(remaining),
		Message:           "verification code is invalid",
	}, nil
}

// Check checks the storage connection
func (s *Service) Check() error {
	return s.db.Ping().Err()
}

// ValidDestination checks the destination format: phone with at least 10 digits, e-mail with "@" and ".",
// issuer application user id without spaces
func ValidDestination(channel tokenize.Channel, destination string) bool {
	switch channel {
	case tokenize.SMSOTP:
		return len(digits(destination)) >= 10
	case tokenize.EmailOTP:
		return strings.Contains(destination, "@") && strings.Contains(destination, ".")
	case tokenize.AppToApp:
		return len(destination) >= 3 && !strings.ContainsAny(destination, " \t\n")
	}
	return false
}

// Mask hides the destination: "(11) ****-4321" for phones, "jo***@example.com" for e-mails, "us***42" for user ids
func Mask(channel tokenize.Channel, destination string) string {
	switch channel {
	case tokenize.SMSOTP:
		d := digits(destination)
		if len(d) < 6 {
			return "****"
		}
		return fmt.Sprintf("(%s) ****-%s", d[:2], d[len(d)-4:])
	case tokenize.EmailOTP:
		at := strings.Index(destination, "@")
		if at < 0 {
			return "***"
		}
		if at < 2 {
			return "***" + destination[at:]
		}
		return destination[:2] + "***" + destination[at:]
	case tokenize.AppToApp:
		if len(destination) < 6 {
			return "***"
		}
		return destination[:2] + "***" + destination[len(destination)-2:]
	}
	return "***"
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

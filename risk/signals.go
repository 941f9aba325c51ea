package risk

import "sync"

// Signals are the account and location facts used by the scoring.
// They come from outside: account history service, geolocation, configuration.
type Signals struct {
	GoodHistory   bool   `json:"goodHistory"`
	FirstTimeUse  bool   `json:"firstTimeUse"`
	Country       string `json:"country"`
	KnownLocation bool   `json:"knownLocation"`
}

// SignalSource returns signals for the account
type SignalSource interface {
	Signals(account string) Signals
}

// DefaultSignals are used when nothing is known about the account:
// good history, not the first use, known location in the given country.
func DefaultSignals(country string) Signals {
	return Signals{
		GoodHistory:   true,
		FirstTimeUse:  false,
		Country:       country,
		KnownLocation: true,
	}
}

// StaticSignals is the configuration driven SignalSource with per account overrides.
// It is safe for concurrent use.
type StaticSignals struct {
	mx       sync.RWMutex
	defaults Signals
	accounts map[string]Signals
}

// NewStaticSignals creates the signal source. Nil defaults means DefaultSignals for the supported country.
func NewStaticSignals(conf *Config) *StaticSignals {
	s := &StaticSignals{
		defaults: DefaultSignals(conf.SupportedCountry),
		accounts: make(map[string]Signals, len(conf.Accounts)),
	}
	if conf.Defaults != nil {
		s.defaults = *conf.Defaults
	}
	for k, v := range conf.Accounts {
		s.accounts[k] = v
	}
	return s
}

// Signals implements SignalSource
func (s *StaticSignals) Signals(account string) Signals {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if sig, ok := s.accounts[account]; ok {
		return sig
	}
	return s.defaults
}

// Set stores the account signals
func (s *StaticSignals) Set(account string, sig Signals) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.accounts[account] = sig
}

// Reset removes the account signals (or all of them when account is empty)
func (s *StaticSignals) Reset(account string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if account == "" {
		s.accounts = map[string]Signals{}
		return
	}
	delete(s.accounts, account)
}

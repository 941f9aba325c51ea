// Package compliance collects the structured records emitted by the tokenization
// stages and turns them into metrics and audit reports.
package compliance

import (
	"time"

	"github.com/slytomcat/devtokenizer/tools"
)

// Level is the record severity
type Level string

// Record levels
const (
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
)

// Category is the record type
type Category string

// Record categories
const (
	TokenizationRequest  Category = "TOKENIZATION_REQUEST"
	RiskAssessment       Category = "RISK_ASSESSMENT"
	Verification         Category = "VERIFICATION"
	TokenizationResponse Category = "TOKENIZATION_RESPONSE"
	SecurityEvent        Category = "SECURITY_EVENT"
)

// Record is one structured compliance record
type Record struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewRecord makes the record with new unique id and current time
func NewRecord(level Level, category Category, message string, data map[string]interface{}) Record {
	return Record{
		ID:        tools.UniqueID(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		Message:   message,
		Data:      data,
	}
}

// Sink receives records. Append must not block and must not fail.
type Sink interface {
	Append(Record)
}

// Tee sends records to every sink. A panicking sink does not stop the others.
type Tee []Sink

// Append implements Sink
func (t Tee) Append(r Record) {
	for _, s := range t {
		safeAppend(s, r)
	}
}

// SafeAppend appends the record and swallows a sink panic
func SafeAppend(s Sink, r Record) {
	if s != nil {
		safeAppend(s, r)
	}
}

func safeAppend(s Sink, r Record) {
	defer func() {
		if e := recover(); e != nil {
			tools.Debug("sink %T failed on record %s: %v", s, r.ID, e)
		}
	}()
	s.Append(r)
}

// LogSink echoes records as JSON application log lines
type LogSink struct {
	log *tools.AppLog
}

// NewLogSink creates the sink over application log
func NewLogSink(log *tools.AppLog) *LogSink {
	return &LogSink{log: log}
}

// Append implements Sink
func (l *LogSink) Append(r Record) {
	l.log.Print(string(r.Level), string(r.Category), r.Message, r.Data)
}

// Discard drops all records
type Discard struct{}

// Append implements Sink
func (Discard) Append(Record) {}

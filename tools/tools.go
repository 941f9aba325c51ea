package tools

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DEBUG is the flag that allow to output debugging information. It should be disabled in PROD environment
var (
	DEBUG = debug == "y"
	debug = "y" // change it via ldflags to disable debugging in PROD
)

// ReadPath returns []byte buffer with file or environment variable content.
// When path starts with "$" then the environment variable is read. If binary = true then environment variable interpreted as base64(std) encoded data.
// For conventional path (like "/some/dir/file") the file content is returned.
func ReadPath(path string, binary bool) ([]byte, error) {
	if strings.HasPrefix(path, "$") {
		if !binary {
			return []byte(os.Getenv(path[1:])), nil
		}
		data, err := base64.StdEncoding.DecodeString(os.Getenv(path[1:]))
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return os.ReadFile(path)
}

// ReadJSON reads the data from path and tries to unmarshal it into supplied structure.
// See ReadPath description for details on reading data by path.
func ReadJSON(path string, i interface{}) error {
	file, err := ReadPath(path, false)
	if err != nil {
		return fmt.Errorf("data receiving error; %w", err)
	}
	if err = json.Unmarshal(file, i); err != nil {
		return fmt.Errorf("data parsing error; %w", err)
	}
	return nil
}

// GetConfig reads the configuration into i. When env is not empty and the environment
// variable contains data then it is used instead of the file content.
func GetConfig(path, env string, i interface{}) error {
	if env != "" && os.Getenv(env) != "" {
		return ReadJSON("$"+env, i)
	}
	return ReadJSON(path, i)
}

// ErrorCollector - errors collector and reporter.
// It returns two function:
// - func(error) : should be used to report errors. Errors equal to nil are ignored.
// - func() error : to report about collected errors. It returns nil if no error were collected.
// The format parameter is used to format the resulting error
func ErrorCollector(format string) (func(error), func() error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	report := func() error {
		if len(errs) > 0 {
			return fmt.Errorf(format, errs)
		}
		return nil
	}
	return collect, report
}

// Debug - logging of debug info
func Debug(format string, args ...interface{}) {
	if DEBUG {
		fmt.Printf("DEBUG: "+format, args...)
		fmt.Println()
	}
}

// PanicIf panics if provided error is not nil
func PanicIf(err error) {
	if err != nil {
		panic(err)
	}
}

// ReadBodyToStruct reads request body into interface{}
func ReadBodyToStruct(body io.ReadCloser, i interface{}) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, i)
}

// AppLog is application logging
type AppLog struct {
	host    string
	app     string
	pid     int
	env     string
	project string
	out     io.Writer
	mx      sync.Mutex
}

// NewAppLog creates new applog writing to stdout
func NewAppLog(host, app, project, env string) *AppLog {
	return &AppLog{
		host:    host,
		app:     app,
		project: project,
		env:     env,
		pid:     os.Getpid(),
		out:     os.Stdout,
	}
}

// SetOutput replaces the destination of log lines
func (a *AppLog) SetOutput(w io.Writer) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.out = w
}

// Print prints logging message to output
func (a *AppLog) Print(level, mtype, message string, data interface{}) {

	m, _ := json.Marshal(struct {
		Ts      string      `json:"ts"`
		Host    string      `json:"host"`
		App     string      `json:"app"`
		Pid     int         `json:"pid"`
		Project string      `json:"project"`
		Env     string      `json:"env"`
		Level   string      `json:"level"`
		Type    string      `json:"type"`
		Message string      `json:"message"`
		Data    interface{} `json:"data"`
	}{
		Ts:      time.Now().Format(time.RFC3339Nano),
		Host:    a.host,
		App:     a.app,
		Pid:     a.pid,
		Project: a.project,
		Env:     a.env,
		Level:   level,
		Type:    mtype,
		Message: message,
		Data:    data,
	})

	a.mx.Lock()
	defer a.mx.Unlock()
	fmt.Fprintln(a.out, string(m))
}

// UniqueID returns unique ID (random UUID)
func UniqueID() string {
	return uuid.NewString()
}

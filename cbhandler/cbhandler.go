// Package cbhandler delivers the compliance records from the queue to the audit collector
package cbhandler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/slytomcat/devtokenizer/compliance"
	"github.com/slytomcat/devtokenizer/queue"
)

// Config is call-back handler configuration
type Config struct {
	PollingInterval int    // seconds
	CollectorURL    string // audit collector endpoint
	Timeout         int    // delivery timeout, seconds
}

// Source is the record queue
type Source interface {
	Receive() (*compliance.Record, string, error)
	Delete(receiptHandle string) error
}

// Handler moves records from the source to the collector
type Handler struct {
	src    Source
	url    string
	client *http.Client
}

// NewHandler creates the handler
func NewHandler(src Source, conf *Config) *Handler {
	timeout := time.Duration(conf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{src: src, url: conf.CollectorURL, client: &http.Client{Timeout: timeout}}
}

// Drain delivers records until the queue is empty or the delivery fails.
// It returns the number of delivered records.
func (h *Handler) Drain() (int, error) {
	delivered := 0
	for {
		r, receipt, err := h.src.Receive()
		if errors.Is(err, queue.ErrEmpty) {
			return delivered, nil
		}
		if err != nil {
			return delivered, fmt.Errorf("queue receiving error: %w", err)
		}
		if err := h.deliver(r); err != nil {
			// the message stays in the queue and will be delivered later
			return delivered, err
		}
		delivered++
		// when record was succesfully sent try to delete message from queue
		if err = h.src.Delete(receipt); err != nil {
			log.Printf("ERROR: call-back: deleting message from queue error: %v", err)
		}
	}
}

func (h *Handler) deliver(r *compliance.Record) error {
	data, _ := json.Marshal(r)
	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request creation error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("can't send record to: %s error: %w", h.url, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receved unsuccess status code: %s while sending record to %s", resp.Status, h.url)
	}
	return nil
}

// New starts call-back handler goroutine that handles q queue with configured inteval.
// Send to (or close) the returned channel to stop it.
func New(q Source, conf *Config) chan bool {
	log.Println("INFO: Starting Call-Back handler")
	h := NewHandler(q, conf)
	interval := conf.PollingInterval
	if interval <= 0 {
		interval = 1
	}
	// make ticker
	tick := time.NewTicker(time.Second * time.Duration(interval))
	// make quit request chanel
	quit := make(chan bool, 1)
	go func() {
		defer log.Println("INFO: Call-Back handler stopped")
		defer tick.Stop()
		for {
			select {
			case <-quit:
				return
			case <-tick.C:
				n, err := h.Drain()
				if err != nil {
					log.Printf("ERROR: call-back: %v", err)
				}
				if n > 0 {
					log.Printf("INFO: call-back: %d records delivered to %s", n, h.url)
				}
			}
		}
	}()
	return quit
}

package models

import (
	"strconv"
	"strings"
	"time"
)

// Message represents a message as it travels over the broker
type Message struct {
	ID         string            `json:"id"`
	Exchange   string            `json:"exchange"`
	RoutingKey string            `json:"routing_key"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  time.Time         `json:"timestamp"`
}

// MessageHeader constants
const (
	HeaderMessageID          = "message-id"
	HeaderRetryCount         = "retry-count"
	HeaderFailureReason      = "failure-reason"
	HeaderFailureClass       = "failure-class"
	HeaderOriginalExchange   = "original-exchange"
	HeaderOriginalRoutingKey = "original-routing-key"
	HeaderDeadLetteredAt     = "dead-lettered-at"
)

// RetryAttempt extracts the retry counter from headers.
// A missing, malformed or negative value counts as the first attempt.
func RetryAttempt(headers map[string]string) int {
	countStr, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// RetryAttempt returns the retry counter carried by the message.
func (m Message) RetryAttempt() int {
	return RetryAttempt(m.Headers)
}

// CloneHeaders returns a copy of the message headers that is safe to mutate.
func (m Message) CloneHeaders() map[string]string {
	headers := make(map[string]string, len(m.Headers)+4)
	for k, v := range m.Headers {
		headers[k] = v
	}
	return headers
}

// Package retryablehttp builds HTTP clients that retry transient failures with
// exponential backoff and log through the service logger.
package retryablehttp

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/datascout/datascout/pkg/logger"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMin = 50 * time.Millisecond
	defaultRetryWaitMax = 500 * time.Millisecond
)

type Option func(*retryablehttp.Client)

// WithRetryMax sets how many times a request is retried after the first attempt.
func WithRetryMax(n int) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = n
	}
}

func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = minWait
		c.RetryWaitMax = maxWait
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *retryablehttp.Client) {
		c.Logger = &leveledLogger{l}
	}
}

// WithTransport replaces the underlying transport, e.g. with an instrumented one.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Transport = rt
	}
}

// New returns a client with short waits between retries. Callers bound the total
// time spent through the request context.
func New(opts ...Option) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = defaultRetryMax
	c.RetryWaitMin = defaultRetryWaitMin
	c.RetryWaitMax = defaultRetryWaitMax
	c.Logger = &leveledLogger{logger.NewNoopLogger()}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// leveledLogger adapts logger.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logger.Logger
}

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, fields(keysAndValues)...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		out = append(out, zap.Any(key, keysAndValues[i+1]))
	}
	return out
}

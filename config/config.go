// Package config holds the sync engine's tunables: transport timeouts,
// concurrency caps, batching sizes and the pending-operations backoff
// curve. Plain struct with environment-variable defaults, in the style of
// the WebDAV stack's own configuration loader.
package config

import (
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Transport
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Pull/push concurrency
	MaxConcurrentAccounts  int
	MaxConcurrentCalendars int

	// Multiget chunk size (spec §5 memory budget). caldav.FetchEventsByHref
	// does not read this field; it uses its own fixed chunk of 30 hrefs.
	MultigetChunkSize int

	// Pending-operations retry curve: delay = min(BackoffBase * 2^retry, BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int

	// Subscription ICS fetch.
	SubscriptionFetchTimeout time.Duration
	MaxReminders             int

	LogLevel string
}

// Default returns the engine's built-in tunables (spec §5, §6).
func Default() *Config {
	return &Config{
		ConnectTimeout:           30 * time.Second,
		ReadTimeout:              60 * time.Second,
		MaxConcurrentAccounts:    4,
		MaxConcurrentCalendars:  3,
		MultigetChunkSize:       30,
		BackoffBase:             60 * time.Second,
		BackoffCap:              time.Hour,
		MaxRetries:              5,
		SubscriptionFetchTimeout: 30 * time.Second,
		MaxReminders:            3,
		LogLevel:                "info",
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load builds a Config from the default values overridden by environment
// variables, the way the WebDAV stack's own config package layers env
// vars over built-in defaults.
func Load() *Config {
	c := Default()
	c.ConnectTimeout = getenvDuration("SYNC_CONNECT_TIMEOUT_SECONDS", c.ConnectTimeout)
	c.ReadTimeout = getenvDuration("SYNC_READ_TIMEOUT_SECONDS", c.ReadTimeout)
	c.MaxConcurrentAccounts = getenvInt("SYNC_MAX_CONCURRENT_ACCOUNTS", c.MaxConcurrentAccounts)
	c.MaxConcurrentCalendars = getenvInt("SYNC_MAX_CONCURRENT_CALENDARS", c.MaxConcurrentCalendars)
	c.MultigetChunkSize = getenvInt("SYNC_MULTIGET_CHUNK_SIZE", c.MultigetChunkSize)
	c.BackoffBase = getenvDuration("SYNC_BACKOFF_BASE_SECONDS", c.BackoffBase)
	c.BackoffCap = getenvDuration("SYNC_BACKOFF_CAP_SECONDS", c.BackoffCap)
	c.MaxRetries = getenvInt("SYNC_MAX_RETRIES", c.MaxRetries)
	c.SubscriptionFetchTimeout = getenvDuration("SYNC_SUBSCRIPTION_FETCH_TIMEOUT_SECONDS", c.SubscriptionFetchTimeout)
	c.MaxReminders = getenvInt("SYNC_MAX_REMINDERS", c.MaxReminders)
	c.LogLevel = getenv("SYNC_LOG_LEVEL", c.LogLevel)
	return c
}

// NewHTTPClient builds a net/http client whose overall request timeout and
// dial timeout reflect this config, shared by every account's CalDAV
// client (spec §4.3: 30s connect / 60s read). Redirects are followed (up to
// 10), except that a PROPFIND carrying an Authorization header returns the
// redirect response itself instead of following it.
func NewHTTPClient(c *Config) *http.Client {
	dialer := &net.Dialer{Timeout: c.ConnectTimeout}
	return &http.Client{
		Timeout: c.ConnectTimeout + c.ReadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if orig := via[0]; orig.Method == "PROPFIND" && orig.Header.Get("Authorization") != "" {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: c.ReadTimeout,
		},
	}
}

package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("remote event not found")
	ErrInvalidConfig = errors.New("invalid calendar config")
)

// Config holds the connection parameters for one identity's calendar.
type Config struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Username string `json:"username,omitempty" yaml:"username"`
	Secret   string `json:"secret,omitempty" yaml:"secret"`
}

// Fields is the event payload handed to a backend. Protocol details
// (wire format, server quirks) are the backend's concern.
type Fields struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

// Backend performs remote operations on a single calendar collection.
// Update and Delete fail with ErrNotFound when the backend has no object
// for the given UID.
type Backend interface {
	Create(ctx context.Context, fields Fields) (string, error)
	Update(ctx context.Context, uid string, fields Fields) error
	Delete(ctx context.Context, uid string) error
	FindByUID(ctx context.Context, uid string) (Fields, error)
}

// Factory builds a Backend from an identity's calendar config.
type Factory func(cfg Config) (Backend, error)

// NewBackend is the default factory. The endpoint names exactly one
// calendar collection; picking among multiple server-side collections is
// deliberately not a client concern here.
func NewBackend(cfg Config) (Backend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrInvalidConfig)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewICSClient(cfg), nil
	case "memory", "mem":
		return sharedMemoryBackend(endpoint), nil
	default:
		return nil, fmt.Errorf("%w: unsupported endpoint scheme %q", ErrInvalidConfig, parsed.Scheme)
	}
}

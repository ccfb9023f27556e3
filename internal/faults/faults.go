// Package faults classifies automation failures into a closed set of
// categories and attaches the recovery policy each category carries.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"net"
	"sort"
	"strings"
)

// Category is one class of failure.
type Category string

// Failure categories.
const (
	Authentication  Category = "authentication"
	Network         Category = "network"
	RateLimit       Category = "rate_limit"
	Database        Category = "database"
	Browser         Category = "browser"
	FileSystem      Category = "filesystem"
	ConnectionLevel Category = "connection_level"
	Unknown         Category = "unknown"
)

// Policy describes how the runtime reacts to a category.
type Policy struct {
	Recoverable       bool
	Retryable         bool
	MaxRetries        int
	BackoffMultiplier float64
	// SkipConnection marks failures scoped to a single record: count it and move on.
	SkipConnection bool
	// RecoverSession asks the retry loop to rebuild the browser session first.
	RecoverSession bool
}

var policies = map[Category]Policy{
	Authentication:  {Recoverable: true, Retryable: true, MaxRetries: 3, BackoffMultiplier: 2},
	Network:         {Recoverable: true, Retryable: true, MaxRetries: 5, BackoffMultiplier: 2},
	RateLimit:       {Recoverable: true, Retryable: true, MaxRetries: 2, BackoffMultiplier: 4},
	Browser:         {Recoverable: true, Retryable: true, MaxRetries: 3, BackoffMultiplier: 2, RecoverSession: true},
	Database:        {},
	FileSystem:      {},
	ConnectionLevel: {SkipConnection: true},
	Unknown:         {},
}

// PolicyFor returns the policy for c. Unrecognized categories get the Unknown policy.
func PolicyFor(c Category) Policy {
	if p, ok := policies[c]; ok {
		return p
	}
	return policies[Unknown]
}

var (
	// ErrProfileNotFound marks a profile that no longer exists.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileUnavailable marks a profile the account cannot act on.
	ErrProfileUnavailable = errors.New("profile unavailable")
	// ErrSessionLost is returned when the browser session could not be rebuilt.
	ErrSessionLost = errors.New("browser session could not be recovered")
)

// Error is a categorized failure carrying diagnostic context.
type Error struct {
	Category Category
	Op       string
	Err      error
	Context  map[string]string
}

// New wraps err under category c for operation op.
func New(c Category, op string, err error) *Error {
	return &Error{Category: c, Op: op, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(c Category, op, format string, args ...any) *Error {
	return New(c, op, fmt.Errorf(format, args...))
}

// With returns a copy of e carrying the extra context key.
func (e *Error) With(key, value string) *Error {
	out := *e
	out.Context = make(map[string]string, len(e.Context)+1)
	maps.Copy(out.Context, e.Context)
	out.Context[key] = value
	return &out
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Category))
	b.WriteString("] ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Context[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category of err, classifying uncategorized errors.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Classify(err)
}

// ContextOf merges the context of every categorized error in err's chain,
// outermost values winning.
func ContextOf(err error) map[string]string {
	out := map[string]string{}
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			break
		}
		for k, v := range fe.Context {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
		err = fe.Err
	}
	return out
}

type matcher struct {
	category Category
	needles  []string
}

// Order matters: the first matching group wins.
var matchers = []matcher{
	{RateLimit, []string{"rate limit", "too many requests", "429", "weekly invitation limit", "temporarily restricted"}},
	{Authentication, []string{"login", "authentication", "unauthorized", "401", "session expired", "security verification", "challenge"}},
	{ConnectionLevel, []string{"profile not found", "profile unavailable", "no longer available", "already connected", "cannot connect"}},
	{Browser, []string{"target closed", "page closed", "browser", "chrome", "websocket", "protocol error", "detached", "could not find node", "execution context", "element not found"}},
	{Network, []string{"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "net::err", "eof", "no such host"}},
	{Database, []string{"database", "sql", "postgres", "pgx", "edge store", "sqlite"}},
	{FileSystem, []string{"no such file", "permission denied", "read-only file system", "disk full", "enoent"}},
}

// Classify assigns a category to an uncategorized error.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	switch {
	case errors.Is(err, ErrProfileNotFound), errors.Is(err, ErrProfileUnavailable):
		return ConnectionLevel
	case errors.Is(err, ErrSessionLost):
		return Browser
	case errors.Is(err, context.DeadlineExceeded):
		return Network
	case errors.Is(err, context.Canceled):
		return Unknown
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return FileSystem
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	msg := strings.ToLower(err.Error())
	for _, m := range matchers {
		for _, needle := range m.needles {
			if strings.Contains(msg, needle) {
				return m.category
			}
		}
	}
	return Unknown
}

// Package errorstore implements the handler of the errors passed to
// ctxerr.Handle. Errors are logged, optionally reported to Sentry, and kept
// deduplicated in an ephemeral in-process store. Flush retrieves the list of
// errors while clearing it at the same time, which gives support tooling a
// view of what went wrong recently without keeping data around for long.
package errorstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/getsentry/sentry-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rotisserie/eris"
)

// DefaultTTL is the time an error stays in the store.
const DefaultTTL = 24 * time.Hour

// Handler stores the errors it receives. It is safe for concurrent use.
type Handler struct {
	logger log.Logger
	clock  clock.Clock
	ttl    time.Duration
	report func(error)

	mu     sync.Mutex
	errors map[string]storedError
}

type storedError struct {
	json    string
	first   time.Time
	expires time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithSentry reports every stored error to Sentry. sentry.Init must have been
// called.
func WithSentry() Option {
	return func(h *Handler) {
		h.report = func(err error) {
			sentry.CaptureException(err)
		}
	}
}

// WithClock sets the clock used to expire errors.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		h.clock = c
	}
}

// NewHandler returns a handler keeping errors for ttl, DefaultTTL if ttl is
// not positive.
func NewHandler(logger log.Logger, ttl time.Duration, opts ...Option) *Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	h := &Handler{
		logger: log.With(logger, "component", "errorstore"),
		clock:  clock.C,
		ttl:    ttl,
		errors: make(map[string]storedError),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store implements ctxerr.Handler. It returns err unchanged.
func (h *Handler) Store(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	level.Error(h.logger).Log("err", err)
	if h.report != nil {
		h.report(err)
	}

	errHash, errJSON, merr := hashAndMarshalError(err)
	if merr != nil {
		level.Error(h.logger).Log("err", merr, "msg", "hash error failed")
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	h.expireLocked(now)
	stored, ok := h.errors[errHash]
	if !ok {
		stored.first = now
	}
	stored.json = errJSON
	stored.expires = now.Add(h.ttl)
	h.errors[errHash] = stored
	return err
}

func (h *Handler) expireLocked(now time.Time) {
	for k, e := range h.errors {
		if !now.Before(e.expires) {
			delete(h.errors, k)
		}
	}
}

// Flush returns the stored errors as JSON-encoded strings, oldest first, and
// clears the store.
func (h *Handler) Flush() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expireLocked(h.clock.Now())
	stored := make([]storedError, 0, len(h.errors))
	for _, e := range h.errors {
		stored = append(stored, e)
	}
	h.errors = make(map[string]storedError)

	sort.SliceStable(stored, func(i, j int) bool { return stored[i].first.Before(stored[j].first) })
	out := make([]string, len(stored))
	for i, e := range stored {
		out[i] = e.json
	}
	return out
}

func sha256b64(s string) string {
	src := sha256.Sum256([]byte(s))
	return base64.URLEncoding.EncodeToString(src[:])
}

// hashError hashes the type and message of the root error along with every
// location of its stack trace. The same error wrapped differently on its way
// up hashes to the same value, while the same message raised at two places
// does not.
func hashError(err error) string {
	// eris does not export its error types, both of them have StackFrames.
	var sf interface{ StackFrames() []uintptr }
	if errors.As(err, &sf) {
		err = sf.(error)
	}

	unpackedErr := eris.Unpack(err)

	if unpackedErr.ErrExternal == nil &&
		len(unpackedErr.ErrRoot.Stack) == 0 &&
		len(unpackedErr.ErrChain) == 0 {
		return sha256b64(unpackedErr.ErrRoot.Msg)
	}

	var sb strings.Builder
	if unpackedErr.ErrExternal != nil {
		root := eris.Cause(unpackedErr.ErrExternal)
		fmt.Fprintf(&sb, "%T\n%s\n", root, root.Error())
	}

	if len(unpackedErr.ErrRoot.Stack) > 0 {
		for _, frame := range unpackedErr.ErrRoot.Stack {
			fmt.Fprintf(&sb, "%s:%d\n", frame.File, frame.Line)
		}
	} else if len(unpackedErr.ErrChain) > 0 {
		lastFrame := unpackedErr.ErrChain[0].Frame
		fmt.Fprintf(&sb, "%s:%d", lastFrame.File, lastFrame.Line)
	}
	return sha256b64(sb.String())
}

func hashAndMarshalError(externalErr error) (errHash string, errAsJSON string, err error) {
	m := eris.ToJSON(externalErr, true)
	bytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", "", err
	}
	return hashError(externalErr), string(bytes), nil
}

// ServeHTTP implements an http.Handler that flushes the errors stored
// by the Handler and returns them in the response as JSON.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	errors := h.Flush()

	// each string returned by Flush is already JSON-encoded, treat them as
	// raw json messages to avoid double-marshaling.
	raw := make([]json.RawMessage, len(errors))
	for i, s := range errors {
		raw[i] = json.RawMessage(s)
	}

	bytes, err := json.Marshal(raw)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(bytes) //nolint:errcheck
}

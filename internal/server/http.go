package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/registry"
	"github.com/tessella/tessella/internal/server/dto"
	"github.com/tessella/tessella/internal/server/reqctx"
)

// ServerName is advertised on every response.
const ServerName = "tessella"

// Commit conflicts are retried transparently with a short exponential
// backoff before the client sees a 409.
const (
	maxConflictRetries = 3
	conflictBackoff    = 5 * time.Millisecond
)

// Request headers with framework meaning.
const (
	headerDebug      = "X-Debug"
	headerWait       = "X-Wait"
	headerWaitStatus = "XG-Wait"
	headerRetryCount = "X-Retry-Transaction-Count"
)

// ServeHTTP implements http.Handler. Each attempt of the conflict
// retry loop gets a fresh execution scope and a replayed body; only a
// successfully settled attempt is written to the client.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			writeError(w, dto.BadRequest(map[string]any{"reason": "unreadable request body"}))
			return
		}
	}

	var resp *dto.Response
	var state *reqctx.State
	var lastReq *http.Request
	attempts := 0

	backoff := retry.WithMaxRetries(maxConflictRetries, retry.NewExponential(conflictBackoff))
	err := retry.Do(r.Context(), backoff, func(ctx context.Context) error {
		attempt := attempts
		attempts++

		rctx := reqctx.With(db.WithRequestState(ctx))
		req := r.Clone(rctx)
		req.Body = io.NopCloser(bytes.NewReader(body))
		if attempt > 0 {
			req.Header.Set(headerRetryCount, strconv.Itoa(attempt))
		}

		st := reqctx.Get(rctx)
		st.SetDebug(req.Header.Get(headerDebug) != "")

		mi := rt.Resolve(rctx, req)
		out, err := mi.Run(rctx, req)
		if err != nil {
			if errors.Is(err, db.ErrConflict) {
				slog.InfoContext(rctx, "Conflict, retrying", "path", req.URL.Path, "attempt", attempt)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = out
		state = st
		lastReq = req
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, db.ErrConflict):
			resp = dto.Conflict("conflict error").With("retries", attempts-1).Response()
			state = nil
			lastReq = r
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful can be written.
			return
		default:
			slog.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "err", err)
			resp = dto.InternalServerError().Response()
			state = nil
			lastReq = r
		}
	}

	waitHdr := lastReq.Header.Get(headerWait)
	if state != nil && waitHdr != "" {
		rt.awaitFutures(lastReq.Context(), state, resp, waitHdr)
	}

	rt.writeResponse(w, lastReq, resp, state, attempts)

	if state != nil && waitHdr == "" {
		rt.runFutures(lastReq.Context(), state, resp)
	}
}

// writeResponse renders and writes resp, applying CORS, server and
// debug headers.
func (rt *Router) writeResponse(w http.ResponseWriter, r *http.Request, resp *dto.Response, state *reqctx.State, attempts int) {
	rt.cors.Apply(r, resp)

	var payload []byte
	contentType := ""
	if raw, ok := resp.Body.([]byte); ok && resp.Prepared {
		payload = raw
	} else if resp.Body != nil {
		renderer := rt.components.NegotiateRenderer(r.Header.Get("Accept"))
		out, err := renderer.Render(resp)
		if err != nil {
			slog.ErrorContext(r.Context(), "Render failed", "path", r.URL.Path, "err", err)
			resp = dto.InternalServerError().Response()
			out, _ = registry.JSONRenderer{}.Render(resp)
		}
		payload = out
		contentType = renderer.ContentType()
	}

	h := w.Header()
	for k, vs := range resp.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Server", ServerName)
	if contentType != "" && h.Get("Content-Type") == "" {
		h.Set("Content-Type", contentType)
	}
	if attempts > 1 {
		h.Set(headerRetryCount, strconv.Itoa(attempts-1))
	}
	if state != nil && state.Debug() {
		writeDebugHeaders(r.Context(), h, state)
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(payload) > 0 {
		w.Write(payload)
	}
}

// writeDebugHeaders reports request timing and, when a transaction
// ran, its cache counters and query count. Sent only with X-Debug.
func writeDebugHeaders(ctx context.Context, h http.Header, state *reqctx.State) {
	started := state.Started()
	h.Set("X-Debug-Total-Ms", strconv.FormatInt(time.Since(started).Milliseconds(), 10))
	for _, rec := range state.Records() {
		h.Set("X-Debug-"+rec.Name+"-Ms", strconv.FormatInt(rec.At.Sub(started).Milliseconds(), 10))
	}
	txn := db.CurrentTransaction(ctx)
	if txn == nil {
		return
	}
	counter := func(name string, v int64) {
		h.Set(name, strconv.FormatInt(v, 10))
	}
	stats := txn.Cache().Stats()
	counter("XG-Cache-hits", stats.Hits())
	counter("XG-Cache-misses", stats.Misses())
	counter("XG-Cache-stored", stats.Stored())
	totals := txn.Manager().CacheTotals()
	counter("XG-Total-Cache-hits", totals.Hits())
	counter("XG-Total-Cache-misses", totals.Misses())
	counter("XG-Total-Cache-stored", totals.Stored())
	counter("XG-Num-Queries", txn.SettledQueryCount())
}

// runFutures executes deferred work in the background once the
// response settled, detached from the request's cancellation.
func (rt *Router) runFutures(ctx context.Context, state *reqctx.State, resp *dto.Response) {
	futures := takeFutures(state, resp)
	if len(futures) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		for _, f := range futures {
			f.Fn(detached)
		}
	}()
}

// awaitFutures runs the settled request's futures before the response
// is written. The X-Wait value is the bound in whole seconds; any
// other value waits without one. The outcome is reported in the
// XG-Wait header; futures still pending at the deadline keep running
// in the background.
func (rt *Router) awaitFutures(ctx context.Context, state *reqctx.State, resp *dto.Response, wait string) {
	futures := takeFutures(state, resp)
	if len(futures) == 0 {
		resp.Header().Set(headerWaitStatus, "done")
		return
	}
	detached := context.WithoutCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range futures {
			f.Fn(detached)
		}
	}()
	var bound <-chan time.Time
	if secs, err := strconv.Atoi(wait); err == nil && secs > 0 {
		timer := time.NewTimer(time.Duration(secs) * time.Second)
		defer timer.Stop()
		bound = timer.C
	}
	select {
	case <-done:
		resp.Header().Set(headerWaitStatus, "done")
	case <-bound:
		resp.Header().Set(headerWaitStatus, "pending")
	}
}

func takeFutures(state *reqctx.State, resp *dto.Response) []reqctx.Future {
	scope := reqctx.ScopeSuccess
	if resp.Status >= http.StatusBadRequest {
		scope = reqctx.ScopeFailure
	}
	return state.TakeFutures(scope)
}

func writeError(w http.ResponseWriter, e *dto.Error) {
	resp := e.Response()
	w.Header().Set("Server", ServerName)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	out, _ := registry.JSONRenderer{}.Render(resp)
	w.Write(out)
}

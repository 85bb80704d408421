package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type callbackResult struct {
	code string
	err  error
}

// callbackListener is a single-use loopback HTTP server that receives the
// authorization redirect.
type callbackListener struct {
	server  *http.Server
	state   string
	results chan callbackResult
	logger  *slog.Logger
}

func listenCallback(addr, path, state string, logger *slog.Logger) (*callbackListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("auth: start callback listener on %s: %w", addr, err)
	}
	l := &callbackListener{
		state:   state,
		results: make(chan callbackResult, 1),
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.deliver(callbackResult{err: fmt.Errorf("auth: callback server: %w", err)})
		}
	}()
	return l, nil
}

func (l *callbackListener) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		err := fmt.Errorf("%w: %s", ErrAuthorizationDenied, errParam)
		if desc := query.Get("error_description"); desc != "" {
			err = fmt.Errorf("%w: %s: %s", ErrAuthorizationDenied, errParam, desc)
		}
		l.writePage(w, http.StatusBadRequest, "Authorization failed", err.Error())
		l.deliver(callbackResult{err: err})
		return
	}
	if query.Get("state") != l.state {
		l.writePage(w, http.StatusBadRequest, "Authorization failed", ErrStateMismatch.Error())
		l.deliver(callbackResult{err: ErrStateMismatch})
		return
	}
	code := query.Get("code")
	if code == "" {
		l.writePage(w, http.StatusBadRequest, "Authorization failed", ErrMissingCode.Error())
		l.deliver(callbackResult{err: ErrMissingCode})
		return
	}

	l.writePage(w, http.StatusOK, "Authorization successful",
		"The gateway is now connected. You can close this window and return to the terminal.")
	l.deliver(callbackResult{code: code})
}

// deliver keeps only the first outcome.
func (l *callbackListener) deliver(res callbackResult) {
	select {
	case l.results <- res:
	default:
	}
}

func (l *callbackListener) wait(ctx context.Context, timeout time.Duration) (string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case res := <-l.results:
		return res.code, res.err
	case <-timer:
		return "", fmt.Errorf("%w after %s", ErrAuthorizationTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *callbackListener) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Warn("failed to shut down OAuth callback listener", "error", err)
	}
}

func (l *callbackListener) writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%[1]s</title></head>
<body style="font-family: sans-serif; margin: 40px; text-align: center;">
<h1>%[1]s</h1>
<p>%[2]s</p>
</body>
</html>`, html.EscapeString(title), html.EscapeString(message))
	if _, err := w.Write([]byte(page)); err != nil {
		l.logger.Warn("failed to write callback page", "error", err)
	}
}

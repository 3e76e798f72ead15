package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/Giraut/vivokey-codes/pkg/models"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type statusResp struct {
	State  string `json:"state"`
	Reader string `json:"reader,omitempty"`
	Applet string `json:"applet,omitempty"`
	Error  string `json:"error,omitempty"`
	ReadAt string `json:"read_at,omitempty"`
}

type codesResp struct {
	Codes  []models.Code `json:"codes"`
	ReadAt string        `json:"read_at,omitempty"`
}

// handleIndex renders the landing page.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	b, err := app.fs.Read("/static/index.html")
	if err != nil {
		w.Write([]byte("vivokey-codes"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(b)
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, "OK")
}

// handleStatus reports where the token session currently stands.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value("app").(*App)
		snap = app.snapshotNow()
	)

	out := statusResp{
		State:  snap.State,
		Reader: snap.Reader,
		Applet: snap.Applet,
		Error:  snap.Error,
	}
	if !snap.ReadAt.IsZero() {
		out.ReadAt = snap.ReadAt.Format(time.RFC3339)
	}
	sendResponse(w, out)
}

// handleCodes returns the codes of the last snapshot, optionally filtered.
func handleCodes(w http.ResponseWriter, r *http.Request) {
	var (
		app  = r.Context().Value("app").(*App)
		snap = app.snapshotNow()

		codes = snap.Codes
	)

	if f := r.FormValue("filter"); f != "" {
		matched, err := filterCodes(codes, f)
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		codes = matched
	}
	if codes == nil {
		codes = []models.Code{}
	}

	out := codesResp{Codes: codes}
	if !snap.ReadAt.IsZero() {
		out.ReadAt = snap.ReadAt.Format(time.RFC3339)
	}
	sendResponse(w, out)
}

// handlePassword hands a new unlock password to the control loop, for
// tokens that turn out to be protected after startup.
func handlePassword(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	pw := r.FormValue("password")
	if pw == "" {
		sendErrorResponse(w, "`password` is empty.", http.StatusBadRequest, nil)
		return
	}

	// Replace any password still waiting to be picked up.
	select {
	case <-app.pwCh:
	default:
	}
	app.pwCh <- pw

	sendResponse(w, "OK")
}

// filterCodes keeps the codes whose issuer or account matches expr,
// case-insensitively.
func filterCodes(codes []models.Code, expr string) ([]models.Code, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %v", expr, err)
	}

	out := make([]models.Code, 0, len(codes))
	for _, c := range codes {
		if re.MatchString(c.Issuer) || re.MatchString(c.Name) {
			out = append(out, c)
		}
	}
	return out, nil
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auth is a simple basic auth middleware. Credentials are optional: an
// empty configured username leaves the API open to the host.
func auth(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.constants.username == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(app.constants.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(app.constants.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="vivokey-codes"`)
			sendErrorResponse(w, "Invalid API credentials.", http.StatusUnauthorized, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

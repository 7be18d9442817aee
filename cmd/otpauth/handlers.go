package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/otpauth/internal/auth"
)

// maxBodySize caps request bodies.
const maxBodySize = 8 * 1024

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type validateReq struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type validateResp struct {
	ExpiresIn   int `json:"expires_in"`
	MaxAttempts int `json:"max_attempts"`
}

type verifyReq struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,max=32"`
}

type invalidCodeResp struct {
	RemainingAttempts int `json:"remaining_attempts"`
}

type healthResp struct {
	Service string    `json:"service"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

// handleHealthCheck reports whether the store is reachable.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("health check failed", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, healthResp{
		Service: app.constants.AppName,
		Version: buildString,
		Time:    time.Now(),
	})
}

// handleValidate issues a login code for an e-mail and sends it out.
func handleValidate(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req validateReq
	)

	if err := readReq(w, r, &req); err != nil {
		sendErrorResponse(w, "Invalid request.", http.StatusBadRequest, nil)
		return
	}
	req.Email = auth.Normalize(req.Email)
	if err := app.validate.Struct(req); err != nil {
		sendErrorResponse(w, "Invalid e-mail address.", http.StatusBadRequest, nil)
		return
	}

	ttl, err := app.auth.RequestCode(r.Context(), req.Email)
	if err != nil {
		var rl *auth.RateLimitError
		if errors.As(err, &rl) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		}
		code, msg := errStatus(err)
		sendErrorResponse(w, msg, code, nil)
		return
	}

	sendResponse(w, validateResp{
		ExpiresIn:   int(ttl.Seconds()),
		MaxAttempts: app.constants.MaxAttempts,
	})
}

// handleVerify exchanges a login code for a token.
func handleVerify(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)

	if err := readReq(w, r, &req); err != nil {
		sendErrorResponse(w, "Invalid request.", http.StatusBadRequest, nil)
		return
	}
	req.Email = auth.Normalize(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if err := app.validate.Struct(req); err != nil {
		sendErrorResponse(w, "Invalid e-mail or code.", http.StatusBadRequest, nil)
		return
	}

	tk, err := app.auth.SubmitCode(r.Context(), req.Email, req.Code)
	if err != nil {
		var (
			code, msg = errStatus(err)
			ic        *auth.InvalidCodeError
			data      interface{}
		)
		if errors.As(err, &ic) {
			data = invalidCodeResp{RemainingAttempts: ic.Remaining}
		}
		sendErrorResponse(w, msg, code, data)
		return
	}

	sendResponse(w, tk)
}

// handleToken validates a bearer token and returns its claims.
func handleToken(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		h   = r.Header.Get("Authorization")
	)

	const bearer = "Bearer "
	if len(h) <= len(bearer) || !strings.EqualFold(h[:len(bearer)], bearer) {
		sendErrorResponse(w, "Missing Bearer Authorization header.", http.StatusUnauthorized, nil)
		return
	}

	claims, err := app.auth.VerifyToken(h[len(bearer):])
	if err != nil {
		sendErrorResponse(w, "Invalid or expired token.", http.StatusUnauthorized, nil)
		return
	}

	sendResponse(w, claims)
}

// errStatus maps an auth error to an HTTP status and a user facing message.
func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests. Please try again later."
	case errors.Is(err, auth.ErrUnknownIdentity):
		return http.StatusNotFound, "No active member found with this e-mail."
	case errors.Is(err, auth.ErrDeliveryFailed):
		return http.StatusBadGateway, "Error sending the code. Please try again."
	case errors.Is(err, auth.ErrInvalidOrExpired):
		return http.StatusUnauthorized, "Invalid or expired code."
	case errors.Is(err, auth.ErrInvalidCode):
		return http.StatusUnauthorized, "Incorrect code."
	case errors.Is(err, auth.ErrAttemptsExhausted):
		return http.StatusTooManyRequests, "Too many incorrect attempts. Request a new code."
	case errors.Is(err, auth.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable. Please try again."
	case errors.Is(err, auth.ErrTokenFailed):
		return http.StatusInternalServerError, "Error issuing token. Please request a new code."
	}

	return http.StatusInternalServerError, "Internal server error."
}

// readReq reads a JSON or form encoded request body into v.
func readReq(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		return json.NewDecoder(r.Body).Decode(v)
	}

	if err := r.ParseForm(); err != nil {
		return err
	}
	switch req := v.(type) {
	case *validateReq:
		req.Email = r.PostForm.Get("email")
	case *verifyReq:
		req.Email = r.PostForm.Get("email")
		req.Code = r.PostForm.Get("code")
	}

	return nil
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
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

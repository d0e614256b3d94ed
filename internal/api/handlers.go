// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/ledger"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/screenshots"
	"github.com/xkilldash9x/provisioner/internal/service"
)

// maxBodyBytes bounds request bodies; both endpoints take a handful of short strings.
const maxBodyBytes = 64 << 10

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// otpResponse mirrors what the storefront client reads from an OTP lookup.
type otpResponse struct {
	Success     bool    `json:"success"`
	Email       string  `json:"email"`
	FullText    string  `json:"fullText"`
	HTMLContent string  `json:"htmlContent"`
	OTPCode     *string `json:"otpCode"`
	Timestamp   string  `json:"timestamp"`
}

type otpRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// decodeAutomationRequest reads a bounded JSON body into an automation request.
func decodeAutomationRequest(r io.Reader) (automation.Request, error) {
	var req automation.Request
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(&req); err != nil {
		return automation.Request{}, err
	}
	return req, nil
}

// handleAutomation debits one run and drives it to completion. A run that started
// always answers 200 with the full result, successful or not.
func (s *Server) handleAutomation(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	req, err := decodeAutomationRequest(r.Body)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.provisioner.Provision(r.Context(), claims.UserID, req)
	if err != nil {
		status, msg := provisionStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Provisioning failed before the run.", zap.String("user_id", claims.UserID), zap.Error(err))
		}
		if res == nil {
			s.respondWithError(w, status, msg)
			return
		}
		// A rejected request still answers with its result shape.
		res.Error = msg
		writeJSON(w, status, res, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

// provisionStatus maps a pre-run failure to its HTTP status and client message.
func provisionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusForbidden, "Insufficient credits"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "No browser available, try again later"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// handleOTP looks up the latest one-time code for an address. It is not billed.
func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	otp, err := s.provisioner.RequestOTP(r.Context(), req.Email)
	switch {
	case err == nil, errors.Is(err, mailrelay.ErrNoOTP):
	case errors.Is(err, service.ErrInvalidRequest):
		s.respondWithError(w, http.StatusBadRequest, "Email is required")
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.respondWithDetails(w, http.StatusGatewayTimeout, "Mail relay timed out", err)
		return
	case errors.Is(err, mailrelay.ErrStatus), errors.Is(err, mailrelay.ErrEmptyBody), isNetworkError(err):
		s.respondWithDetails(w, http.StatusBadGateway, "Mail relay request failed", err)
		return
	default:
		s.respondWithDetails(w, http.StatusInternalServerError, "Failed to fetch OTP", err)
		return
	}

	resp := otpResponse{
		Success:   true,
		Email:     req.Email,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	if otp != nil {
		resp.FullText = otp.FullText
		if otp.Payload != nil {
			resp.HTMLContent = otp.Payload.HTML()
		}
		if otp.Code != "" {
			code := otp.Code
			resp.OTPCode = &code
		}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func isNetworkError(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// handleScreenshot serves a stored screenshot. Names outside the allow-list never reach the filesystem.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	f, contentType, err := s.shots.Open(name)
	switch {
	case errors.Is(err, screenshots.ErrInvalidName):
		s.respondWithError(w, http.StatusBadRequest, "Invalid filename")
		return
	case errors.Is(err, screenshots.ErrNotFound):
		s.respondWithError(w, http.StatusNotFound, "Screenshot not found")
		return
	case err != nil:
		s.logger.Error("Failed to open screenshot.", zap.String("file", name), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to serve screenshot")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("Screenshot copy interrupted.", zap.String("file", name), zap.Error(err))
	}
}

// respondWithError sends a standardized JSON error response.
func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorBody{Error: message}, s.logger)
}

// respondWithDetails is respondWithError plus the underlying cause.
func (s *Server) respondWithDetails(w http.ResponseWriter, statusCode int, message string, err error) {
	writeJSON(w, statusCode, errorBody{Error: message, Details: err.Error()}, s.logger)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response.", zap.Error(err))
	}
}

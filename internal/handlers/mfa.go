package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/clock"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// MFAManager is implemented by services.MFAService.
type MFAManager interface {
	BeginEnrollment(ctx context.Context, userID string) (*models.MFAEnrollment, error)
	EnableMFA(ctx context.Context, userID, currentSessionID, code, ip string) ([]string, error)
	DisableMFA(ctx context.Context, userID, code string, kind models.MFACodeKind, ip string) error
	RotateRecoveryCodes(ctx context.Context, userID, ip string) ([]string, error)
	ListRecoveryCodes(ctx context.Context, userID string) ([]string, error)
}

// RecoveryCodesFilename is the attachment name of the recovery code download.
const RecoveryCodesFilename = "bastion-recovery-codes.txt"

// MFAHandler handles TOTP enrollment and recovery code management for the
// signed-in user. Login-time verification lives on AuthHandler.
type MFAHandler struct {
	mfa    MFAManager
	ip     *pkghttp.IPResolver
	clock  clock.Clock
	logger *slog.Logger
}

func NewMFAHandler(mfa MFAManager, ip *pkghttp.IPResolver, clk clock.Clock, logger *slog.Logger) *MFAHandler {
	if ip == nil {
		ip = pkghttp.NewIPResolver(nil)
	}
	return &MFAHandler{mfa: mfa, ip: ip, clock: clk, logger: logger}
}

// Setup handles POST /auth/2fa/setup. The secret stays pending until
// Enable confirms a code generated from it.
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	enrollment, err := h.mfa.BeginEnrollment(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, MFASetupResponse{
		Secret:     enrollment.Secret,
		OTPAuthURL: enrollment.OTPAuthURL,
		QRCode:     enrollment.QRCode,
	})
}

// Enable handles POST /auth/2fa/enable
func (h *MFAHandler) Enable(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req MFAEnableRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	codes, err := h.mfa.EnableMFA(r.Context(), session.UserID, session.SessionID, req.Code, h.ip.ClientIP(r))
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RecoveryCodesResponse{
		RecoveryCodes: codes,
		GeneratedAt:   h.clock.Now().UTC(),
	})
}

// Disable handles POST /auth/2fa/disable. The code may be a TOTP code or a
// recovery code; kind is inferred from its shape when omitted.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req MFADisableRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	kind := models.MFACodeKind(req.Kind)
	if kind == "" {
		kind = inferCodeKind(req.Code)
	}

	if err := h.mfa.DisableMFA(r.Context(), session.UserID, req.Code, kind, h.ip.ClientIP(r)); err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Two-factor authentication disabled"})
}

// RotateRecoveryCodes handles PUT /auth/2fa/recovery-codes
func (h *MFAHandler) RotateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	codes, err := h.mfa.RotateRecoveryCodes(r.Context(), session.UserID, h.ip.ClientIP(r))
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RecoveryCodesResponse{
		RecoveryCodes: codes,
		GeneratedAt:   h.clock.Now().UTC(),
	})
}

// DownloadRecoveryCodes handles GET /auth/2fa/recovery-codes. The unused
// codes are sent as a plain text attachment, one per line.
func (h *MFAHandler) DownloadRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	codes, err := h.mfa.ListRecoveryCodes(r.Context(), session.UserID)
	if errors.Is(err, models.ErrNotFound) {
		pkghttp.WriteNotFound(w, "No recovery codes exist for this account")
		return
	}
	if err != nil {
		writeServiceError(w, r, err, h.clock.Now(), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+RecoveryCodesFilename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, strings.Join(codes, "\n")+"\n"); err != nil {
		h.logger.Warn("failed to write recovery codes", slog.Any("error", err))
	}
}

func inferCodeKind(code string) models.MFACodeKind {
	if len(code) == 6 && isNumeric(code) {
		return models.MFACodeTOTP
	}
	return models.MFACodeRecovery
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

package api

import (
	"net/http"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// AdminOTPHeader carries the current TOTP code for admin calls.
const AdminOTPHeader = "X-Admin-OTP"

// requireAdmin gates next behind a valid TOTP code. With no secret
// configured the admin layer is off.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminTOTPSecret == "" {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin endpoints disabled", Kind: "admin_disabled"})
			return
		}
		code := r.Header.Get(AdminOTPHeader)
		if code == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + AdminOTPHeader, Kind: "unauthenticated"})
			return
		}
		ok, err := totp.ValidateCustom(code, s.opts.AdminTOTPSecret, s.opts.Now(), totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid admin code", Kind: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

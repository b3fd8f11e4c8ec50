package server

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/logger"
)

// SecretResolver turns a configured secret value, possibly a reference,
// into its plaintext.
type SecretResolver func(ctx context.Context, ref string) (string, error)

// LiteralResolver treats every configured value as plaintext. Used in
// tests and when no secret manager is wired.
func LiteralResolver(_ context.Context, value string) (string, error) {
	return value, nil
}

// authenticate enforces the configured scheme with fixed precedence:
// provider HMAC, global HMAC, provider simple secret, global simple
// secret. With nothing configured the request is admitted open.
func (s *Server) authenticate(r *http.Request, body []byte, pc *config.PushConfig) error {
	global := &s.cfg.Webhook
	var provider config.PushConfig
	if pc != nil {
		provider = *pc
	}

	switch {
	case provider.HMACSecret != "":
		return s.verifyHMAC(r, body, provider.HMACSecret, provider.HMACAlgorithm, provider.HMACHeader)
	case global.HMACSecret != "":
		return s.verifyHMAC(r, body, global.HMACSecret, global.HMACAlgorithm, global.HMACHeader)
	case provider.Secret != "":
		return s.verifySimple(r, provider.Secret)
	case global.Secret != "":
		return s.verifySimple(r, global.Secret)
	}
	logger.Debugw("webhook request admitted without authentication", "path", r.URL.Path)
	return nil
}

func (s *Server) verifyHMAC(r *http.Request, body []byte, secretRef, algorithm, header string) error {
	secret, err := s.resolveSecret(r.Context(), secretRef)
	if err != nil {
		return err
	}
	if header == "" {
		header = config.DefaultHMACHeader
	}
	signature := r.Header.Get(header)
	if signature == "" {
		return errors.NewAuthenticationError("missing signature header", nil)
	}
	if !VerifySignature(algorithm, []byte(secret), body, signature) {
		return errors.NewAuthenticationError("invalid signature", nil)
	}
	return nil
}

func (s *Server) verifySimple(r *http.Request, secretRef string) error {
	secret, err := s.resolveSecret(r.Context(), secretRef)
	if err != nil {
		return err
	}
	presented := r.Header.Get(config.DefaultSimpleSecretHdr)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return errors.NewAuthenticationError("invalid webhook secret", nil)
	}
	return nil
}

// resolveSecret fails closed: an unresolvable secret rejects the request
// rather than admitting it.
func (s *Server) resolveSecret(ctx context.Context, ref string) (string, error) {
	value, err := s.resolve(ctx, ref)
	if err != nil {
		logger.Errorw("webhook secret resolution failed", "error", err)
		return "", errors.NewAuthenticationError("authentication unavailable", err)
	}
	return value, nil
}

// Package server exposes the webhook HTTP front door: health, metrics,
// the generic webhook path, and per-provider webhook paths.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/dispatch"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/telemetry"
	"github.com/crier-bot/crier/pkg/template"
)

// Dispatcher is the slice of the dispatch engine the server needs.
type Dispatcher interface {
	TriggerPush(ctx context.Context, providerName string, msg *message.Message, ov dispatch.Overrides) (*dispatch.Result, error)
}

// Options tunes server construction.
type Options struct {
	// Version is reported by /health.
	Version string
	// Resolver resolves configured webhook secrets. Nil means values are
	// treated as literals.
	Resolver SecretResolver
}

// Server is the webhook HTTP server. Create with New, then Start.
type Server struct {
	cfg        *config.Config
	dispatcher Dispatcher
	tele       *telemetry.Provider
	resolve    SecretResolver
	version    string
	started    time.Time

	httpSrv *http.Server
}

// New builds the server and its router.
func New(cfg *config.Config, dispatcher Dispatcher, tele *telemetry.Provider, opts Options) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		tele:       tele,
		resolve:    opts.Resolver,
		version:    opts.Version,
		started:    time.Now(),
	}
	if s.resolve == nil {
		s.resolve = LiteralResolver
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Webhook.Host, s.port()),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) port() int {
	if s.cfg.Webhook.Port > 0 {
		return s.cfg.Webhook.Port
	}
	return config.DefaultWebhookPort
}

func (s *Server) webhookPath() string {
	if s.cfg.Webhook.Path != "" {
		return s.cfg.Webhook.Path
	}
	return config.DefaultWebhookPath
}

// Router assembles the chi router: CORS, health, metrics, the generic
// webhook path, and one route per push provider with a webhook_path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.trackConnections)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)
	if h := s.tele.Handler(); h != nil {
		r.Handle("/metrics", h)
	}

	r.Post(s.webhookPath(), func(w http.ResponseWriter, req *http.Request) {
		s.handleWebhook(w, req, "")
	})
	for i := range s.cfg.Providers {
		pc := &s.cfg.Providers[i]
		if pc.Kind != config.KindPush || pc.WebhookPath == "" {
			continue
		}
		name := pc.Name
		r.Post(pc.WebhookPath, func(w http.ResponseWriter, req *http.Request) {
			s.handleWebhook(w, req, name)
		})
	}
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Infow("webhook server listening",
		"addr", s.httpSrv.Addr, "path", s.webhookPath())
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) trackConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.tele.ConnectionOpened(r.Context())
		defer s.tele.ConnectionClosed(r.Context())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		WebhookPath:   s.webhookPath(),
		Port:          s.port(),
		Version:       s.version,
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleWebhook processes one webhook POST. routeProvider is empty on
// the generic path and carries the provider name on per-provider paths.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, routeProvider string) {
	timeout := s.cfg.Webhook.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	r = r.WithContext(ctx)

	requestID := uuid.NewString()
	logger.Debugw("webhook request received",
		"request_id", requestID, "path", r.URL.Path, "provider", routeProvider)

	ip := clientIP(r)
	if !ipAllowed(ip, s.cfg.Webhook.AllowedIPs) {
		logger.Warnw("webhook rejected by IP allowlist", "ip", ip)
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	maxPayload := s.cfg.Webhook.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = config.DefaultMaxPayloadSize
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	if int64(len(body)) > maxPayload {
		s.writeError(w, http.StatusBadRequest, "Payload too large")
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	providerName := routeProvider
	if providerName == "" {
		if req.Provider == "" {
			s.writeError(w, http.StatusBadRequest, "missing provider")
			return
		}
		providerName = req.Provider
	} else if req.Provider != "" && req.Provider != providerName {
		logger.Warnw("webhook body provider ignored on per-provider path",
			"path_provider", providerName, "body_provider", req.Provider)
	}
	if len(req.Metadata) > 0 {
		logger.Infow("webhook metadata", "provider", providerName, "metadata", req.Metadata)
	}

	pc := s.cfg.FindProvider(providerName)
	var pushCfg *config.PushConfig
	if pc != nil {
		pushCfg = pc.Push
	}
	if err := s.authenticate(r, body, pushCfg); err != nil {
		logger.Warnw("webhook authentication failed",
			"provider", providerName, "ip", ip, "error", err)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if pc == nil || pc.Kind != config.KindPush {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown push provider %q", providerName))
		return
	}

	msgs, err := s.buildMessages(&req, pc)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.dispatchAll(ctx, w, providerName, msgs, dispatch.Overrides{
		Accounts:   req.Accounts,
		Visibility: req.Visibility,
	})
}

// buildMessages produces the outgoing messages per the template priority
// rules: inline template, then named template, then the provider's
// default, falling back to the literal message field.
func (s *Server) buildMessages(req *WebhookRequest, pc *config.ProviderConfig) ([]*message.Message, error) {
	tmpl := req.Template
	if tmpl == "" && req.TemplateName != "" {
		named, ok := pc.Templates[req.TemplateName]
		if !ok {
			return nil, errors.NewValidationError(
				fmt.Sprintf("unknown template %q", req.TemplateName), nil)
		}
		tmpl = named
	}
	if tmpl == "" {
		tmpl = pc.Template
	}

	if len(req.JSON) > 0 && tmpl != "" {
		root := gjson.ParseBytes(req.JSON)
		attCfg := template.AttachmentConfig{
			Key:            req.AttachmentsKey,
			DataKey:        req.AttachmentDataKey,
			MimeTypeKey:    req.AttachmentMimeTypeKey,
			FilenameKey:    req.AttachmentFilenameKey,
			DescriptionKey: req.AttachmentDescriptionKey,
		}
		processor := &template.Processor{}

		if root.IsArray() {
			uniqueKey := req.UniqueKey
			if uniqueKey == "" {
				uniqueKey = "id"
			}
			var msgs []*message.Message
			for i, el := range root.Array() {
				msg, err := renderDocument(processor, tmpl, []byte(el.Raw), attCfg)
				if err != nil {
					return nil, errors.NewValidationError(
						fmt.Sprintf("rendering element %d: %v", i, err), nil)
				}
				logger.Debugw("webhook array element rendered",
					"index", i, "item", el.Get(uniqueKey).String())
				msgs = append(msgs, msg)
			}
			if len(msgs) == 0 {
				return nil, errors.NewValidationError("json array is empty", nil)
			}
			return msgs, nil
		}
		if root.IsObject() {
			msg, err := renderDocument(processor, tmpl, req.JSON, attCfg)
			if err != nil {
				return nil, errors.NewValidationError(
					fmt.Sprintf("rendering payload: %v", err), nil)
			}
			return []*message.Message{msg}, nil
		}
		// Scalar json is not templatable; fall through to the literal.
	}

	if req.Message != "" {
		return []*message.Message{{Text: req.Message}}, nil
	}
	return nil, errors.NewValidationError(
		"request needs either a message or json with a resolvable template", nil)
}

func renderDocument(processor *template.Processor, tmpl string, data []byte, attCfg template.AttachmentConfig) (*message.Message, error) {
	text, err := processor.Apply(tmpl, data)
	if err != nil {
		return nil, err
	}
	attachments, err := template.ExtractAttachments(data, attCfg)
	if err != nil {
		return nil, err
	}
	return &message.Message{Text: text, Attachments: attachments}, nil
}

// dispatchAll delivers each message, aggregating outcomes: all failures
// is a 500, a rate-limit rejection before any success is a 429, anything
// else is a 200 with per-failure warnings.
func (s *Server) dispatchAll(ctx context.Context, w http.ResponseWriter, providerName string, msgs []*message.Message, ov dispatch.Overrides) {
	var (
		warnings  []string
		accounts  []string
		delivered int
	)
	for i, msg := range msgs {
		result, err := s.dispatcher.TriggerPush(ctx, providerName, msg, ov)
		if err != nil {
			if errors.IsRateLimit(err) {
				if delivered == 0 {
					s.writeError(w, http.StatusTooManyRequests, err.Error())
					return
				}
				warnings = append(warnings, fmt.Sprintf("message %d: %s", i+1, err.Error()))
				break
			}
			warnings = append(warnings, fmt.Sprintf("message %d: %s", i+1, err.Error()))
			continue
		}
		if result.Skipped {
			delivered++
			warnings = append(warnings, fmt.Sprintf("message %d skipped: %s", i+1, result.SkipReason))
			continue
		}
		delivered++
		accounts = append(accounts, result.Succeeded()...)
		for _, f := range result.Failed() {
			warnings = append(warnings, fmt.Sprintf("account %s: %v", f.Account, f.Err))
		}
	}

	if delivered == 0 {
		s.writeError(w, http.StatusInternalServerError,
			"all deliveries failed: "+strings.Join(warnings, "; "))
		return
	}
	s.writeJSON(w, http.StatusOK, WebhookResponse{
		Success:   true,
		Message:   fmt.Sprintf("dispatched %d message(s)", delivered),
		Timestamp: nowTimestamp(),
		Provider:  providerName,
		Accounts:  dedupe(accounts),
		Warnings:  warnings,
	})
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorw("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, WebhookResponse{
		Success:   false,
		Error:     msg,
		Timestamp: nowTimestamp(),
	})
}

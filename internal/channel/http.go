package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notibot/internal/domain"
	"notibot/internal/parser"
)

const (
	httpMaxBodySize = 1 << 20 // 1MB
	apiKeyHeader    = "X-NotiBot-Key"
)

// DirectSender performs a single relay outside the poll loop.
type DirectSender interface {
	SendDirect(ctx context.Context, message, chatName string) domain.Result
}

// HTTPConfig configures the HTTP ingress.
type HTTPConfig struct {
	Host    string
	Port    int
	APIKey  string       // optional shared secret checked against X-NotiBot-Key
	Metrics http.Handler // served on /metrics when non-nil
	Logger  *slog.Logger
}

// HTTP accepts send requests over POST /send and answers in plain text.
type HTTP struct {
	addr    string
	apiKey  string
	metrics http.Handler
	sender  DirectSender
	logger  *slog.Logger
	server  *http.Server
}

func NewHTTP(cfg HTTPConfig, sender DirectSender) *HTTP {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTP{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		apiKey:  cfg.APIKey,
		metrics: cfg.Metrics,
		sender:  sender,
		logger:  cfg.Logger,
	}
}

func (h *HTTP) Name() string { return "http" }

// Routes builds the router. It is exported for tests and embedding.
func (h *HTTP) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/send", h.handleSend)
	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		writeText(rw, http.StatusOK, "ok")
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

// Start serves until ctx is cancelled.
func (h *HTTP) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:              h.addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second, // a send may back off on rate limits
		IdleTimeout:       60 * time.Second,
	}

	h.logger.Info("http server starting", "addr", h.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (h *HTTP) handleSend(rw http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" {
		key := r.Header.Get(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			writeText(rw, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	req, err := decodeSendRequest(r)
	if err != nil {
		h.logger.Info("rejected send request",
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeText(rw, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	result := h.sender.SendDirect(r.Context(), req.Message, req.ChatName)
	h.logger.Info("send request handled",
		"request_id", middleware.GetReqID(r.Context()),
		"chat", req.ChatName,
		"outcome", result.String(),
	)

	status := http.StatusOK
	if result.Outcome == domain.OutcomeFailed {
		status = http.StatusBadGateway
	}
	writeText(rw, status, result.String())
}

// decodeSendRequest reads message and chatName from a form, the query string
// or a JSON-like body.
func decodeSendRequest(r *http.Request) (domain.SendRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, httpMaxBodySize)
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(httpMaxBodySize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return domain.SendRequest{}, fmt.Errorf("read form: %w", err)
		}
		return formRequest(r)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return domain.SendRequest{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return formRequest(r)
	}
	return parser.Parse(string(body))
}

func formRequest(r *http.Request) (domain.SendRequest, error) {
	req := domain.SendRequest{
		Message:  r.FormValue("message"),
		ChatName: r.FormValue("chatName"),
	}
	if req.ChatName == "" {
		return domain.SendRequest{}, fmt.Errorf("%w: chatName is required", parser.ErrParse)
	}
	return req, nil
}

func writeText(rw http.ResponseWriter, status int, text string) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(status)
	io.WriteString(rw, text)
}

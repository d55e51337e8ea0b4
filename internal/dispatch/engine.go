// Package dispatch runs the relay: it polls the backend for updates, learns
// groups, and forwards send-requests to their destination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"notibot/internal/cursor"
	"notibot/internal/domain"
	"notibot/internal/metrics"
	"notibot/internal/parser"
	"notibot/internal/registry"
)

// DefaultStopCommand is the chat line that halts polling when the stop
// command is enabled.
const DefaultStopCommand = "/stop"

// ErrAlreadyRunning is returned by Start while a poll loop is active.
var ErrAlreadyRunning = errors.New("dispatch loop already running")

// State is the poll loop state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Config wires an Engine.
type Config struct {
	Backend  domain.Backend
	Registry *registry.Registry
	Cursor   *cursor.Cursor
	Logger   *slog.Logger

	EnableStopCommand bool
	StopCommand       string // defaults to DefaultStopCommand
}

// Engine owns the poll loop and the direct-send path. One Engine is built at
// startup and shared by the loop goroutine and the HTTP handler.
type Engine struct {
	backend  domain.Backend
	registry *registry.Registry
	cursor   *cursor.Cursor
	logger   *slog.Logger

	enableStop  bool
	stopCommand string

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StopCommand == "" {
		cfg.StopCommand = DefaultStopCommand
	}
	return &Engine{
		backend:     cfg.Backend,
		registry:    cfg.Registry,
		cursor:      cfg.Cursor,
		logger:      cfg.Logger,
		enableStop:  cfg.EnableStopCommand,
		stopCommand: cfg.StopCommand,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start loads the cursor and registry, then polls until the stop command is
// received, ctx is cancelled, or a backend or persistence fault occurs.
// Faults end the loop and are returned; there is no automatic restart.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.state = Running
	e.mu.Unlock()
	defer e.setState(Stopped)

	if err := e.cursor.Load(ctx); err != nil {
		e.logger.Error("dispatch start failed", "err", err)
		return err
	}
	if err := e.registry.Load(ctx); err != nil {
		e.logger.Error("dispatch start failed", "err", err)
		return err
	}

	e.logger.Info("dispatch loop started", "offset", e.cursor.NextPollOffset(), "groups", e.registry.Len())
	for e.State() == Running {
		if ctx.Err() != nil {
			e.logger.Info("dispatch loop cancelled")
			return nil
		}
		if err := e.poll(ctx); err != nil {
			if ctx.Err() != nil {
				e.logger.Info("dispatch loop cancelled")
				return nil
			}
			e.logger.Error("dispatch loop stopped on fault", "err", err)
			return err
		}
	}
	e.logger.Info("dispatch loop stopped")
	return nil
}

// poll fetches and processes one batch.
func (e *Engine) poll(ctx context.Context) error {
	updates, err := e.backend.FetchUpdates(ctx, e.cursor.NextPollOffset())
	if err != nil {
		return fmt.Errorf("fetch updates: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}
	return e.processBatch(ctx, updates)
}

// processBatch handles updates in arrival order, then advances the cursor
// past the highest update id it iterated. After a stop command the rest of
// the batch is left untouched.
func (e *Engine) processBatch(ctx context.Context, updates []domain.Update) error {
	highest := -1
	for _, u := range updates {
		if u.ID > highest {
			highest = u.ID
		}
		metrics.UpdatesTotal.Inc()

		stop, err := e.handleUpdate(ctx, u)
		if err != nil {
			return err
		}
		if stop {
			e.logger.Info("stop command received", "update_id", u.ID)
			e.setState(Stopped)
			break
		}
	}

	if err := e.cursor.AdvancePast(ctx, highest); err != nil {
		return err
	}
	metrics.UpdateOffset.Set(int64(e.cursor.NextPollOffset()))
	return nil
}

// handleUpdate reports true when u carried the stop command.
func (e *Engine) handleUpdate(ctx context.Context, u domain.Update) (bool, error) {
	g, err := e.registry.Observe(ctx, u)
	if err != nil {
		return false, err
	}
	if g != nil {
		metrics.GroupsDiscovered.Inc()
	}

	msg := u.Message
	if msg == nil || msg.Text == "" {
		return false, nil
	}
	if !e.cursor.ShouldProcessMessage(msg.ID) {
		e.logger.Debug("message already processed", "update_id", u.ID, "message_id", msg.ID)
		return false, nil
	}
	if err := e.cursor.RecordProcessed(ctx, msg.ID); err != nil {
		return false, err
	}

	if e.enableStop && msg.Text == e.stopCommand {
		return true, nil
	}

	if !parser.LooksLikeSendRequest(msg.Text) {
		e.logger.Info("unknown message", "update_id", u.ID, "text", msg.Text)
		metrics.RejectedMessages.Inc()
		return false, nil
	}
	req, err := parser.Parse(msg.Text)
	if err != nil {
		e.logger.Info("cannot parse send request", "update_id", u.ID, "text", msg.Text, "err", err)
		metrics.RejectedMessages.Inc()
		return false, nil
	}

	return false, e.relay(ctx, msg, req)
}

// relay delivers req to its group, or tells the sender the group is unknown.
func (e *Engine) relay(ctx context.Context, msg *domain.Message, req domain.SendRequest) error {
	id, ok := e.registry.Resolve(req.ChatName)
	if !ok {
		e.logger.Info("unknown chat group name", "chat", req.ChatName)
		if msg.Chat == nil {
			return nil
		}
		notice := fmt.Sprintf("Bot is not a member of the group '%s'", req.ChatName)
		if err := e.send(ctx, msg.Chat.ID, notice); err != nil {
			return fmt.Errorf("send notice: %w", err)
		}
		return nil
	}

	if err := e.send(ctx, id, req.Message); err != nil {
		return fmt.Errorf("send to group %q: %w", req.ChatName, err)
	}
	metrics.MessagesRelayed("chat").Inc()
	e.logger.Info("message sent", "chat", req.ChatName, "chat_id", id, "message", req.Message)
	return nil
}

func (e *Engine) send(ctx context.Context, chatID int64, text string) error {
	defer metrics.SendLatency.Since(time.Now())
	return e.backend.SendText(ctx, chatID, text)
}

// SendDirect relays one message to chatName without touching the cursor.
// It never returns an error or panics; every failure becomes a Result.
func (e *Engine) SendDirect(ctx context.Context, message, chatName string) (res domain.Result) {
	sendID := uuid.NewString()
	log := e.logger.With("send_id", sendID, "chat", chatName)

	defer func() {
		if r := recover(); r != nil {
			log.Error("direct send panicked", "panic", r)
			res = domain.Failed(fmt.Errorf("internal error: %v", r))
		}
	}()

	if !e.registry.Loaded() {
		if err := e.registry.Load(ctx); err != nil {
			log.Error("direct send failed", "err", err)
			return domain.Failed(err)
		}
	}

	id, ok := e.registry.Resolve(chatName)
	if !ok {
		log.Info("direct send to unknown chat name")
		return domain.UnknownChat()
	}
	if err := e.send(ctx, id, message); err != nil {
		log.Error("direct send failed", "chat_id", id, "err", err)
		return domain.Failed(err)
	}
	metrics.MessagesRelayed("http").Inc()
	log.Info("message sent", "chat_id", id, "message", message)
	return domain.Sent()
}

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"notibot/internal/cursor"
	"notibot/internal/domain"
	"notibot/internal/registry"
	"notibot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type sent struct {
	chatID int64
	text   string
}

// fakeBackend serves queued batches, then reports errExhausted so Start returns.
type fakeBackend struct {
	mu       sync.Mutex
	batches  [][]domain.Update
	offsets  []int
	sent     []sent
	sendErr  error
	fetchErr error
	panicOn  string
}

var errExhausted = errors.New("no more batches")

func (b *fakeBackend) FetchUpdates(ctx context.Context, offset int) ([]domain.Update, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsets = append(b.offsets, offset)
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	if len(b.batches) == 0 {
		return nil, errExhausted
	}
	batch := b.batches[0]
	b.batches = b.batches[1:]
	return batch, nil
}

func (b *fakeBackend) SendText(ctx context.Context, chatID int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicOn != "" && text == b.panicOn {
		panic("backend exploded")
	}
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, sent{chatID, text})
	return nil
}

func (b *fakeBackend) sentTexts() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.sent...)
}

type harness struct {
	dir     string
	store   store.Store
	backend *fakeBackend
	engine  *Engine
	cursor  *cursor.Cursor
	reg     *registry.Registry
}

func newHarness(t *testing.T, stop bool, groups ...domain.Group) *harness {
	t.Helper()
	dir := t.TempDir()
	s := store.NewFileStore(dir, testLogger())
	if len(groups) > 0 {
		if err := s.SaveGroups(context.Background(), groups); err != nil {
			t.Fatal(err)
		}
	}
	return buildHarness(dir, s, stop)
}

func buildHarness(dir string, s store.Store, stop bool) *harness {
	h := &harness{dir: dir, store: s, backend: &fakeBackend{}}
	h.cursor = cursor.New(s, testLogger())
	h.reg = registry.New(s, testLogger())
	h.engine = New(Config{
		Backend:           h.backend,
		Registry:          h.reg,
		Cursor:            h.cursor,
		Logger:            testLogger(),
		EnableStopCommand: stop,
	})
	return h
}

// restart simulates a process restart over the same state directory.
func (h *harness) restart(stop bool) *harness {
	return buildHarness(h.dir, store.NewFileStore(h.dir, testLogger()), stop)
}

func textUpdate(id, msgID int, text string, chat *domain.Chat) domain.Update {
	return domain.Update{ID: id, Message: &domain.Message{ID: msgID, Text: text, Chat: chat}}
}

var (
	privateChat = &domain.Chat{ID: 42, Title: "", Kind: domain.ChatPrivate}
	opsChat     = &domain.Chat{ID: -100, Title: "Ops", Kind: domain.ChatGroup}
)

const shelfRequest = `{message: "Please, check Shelf #10", ChatName: "NotiBotGroup123"}`

func TestStart_RelaysParsedRequest(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "NotiBotGroup123", ID: 555})
	h.backend.batches = [][]domain.Update{{textUpdate(1, 1, shelfRequest, privateChat)}}

	if err := h.engine.Start(context.Background()); !errors.Is(err, errExhausted) {
		t.Fatalf("expected loop to end on exhausted backend, got %v", err)
	}
	got := h.backend.sentTexts()
	if len(got) != 1 || got[0].chatID != 555 || got[0].text != "Please, check Shelf #10" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if h.engine.State() != Stopped {
		t.Error("engine should be stopped after a fault")
	}
}

func TestStart_UnknownGroupNotifiesSender(t *testing.T) {
	h := newHarness(t, false)
	h.backend.batches = [][]domain.Update{{
		textUpdate(1, 1, `{"message":"hi","ChatName":"Nowhere"}`, privateChat),
	}}

	h.engine.Start(context.Background())
	got := h.backend.sentTexts()
	if len(got) != 1 || got[0].chatID != privateChat.ID {
		t.Fatalf("expected a notice to the sender, got %+v", got)
	}
	if got[0].text != "Bot is not a member of the group 'Nowhere'" {
		t.Errorf("unexpected notice %q", got[0].text)
	}
}

func TestStart_SkipsInvalidMessages(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})
	h.backend.batches = [][]domain.Update{{
		textUpdate(1, 1, "good morning", privateChat),
		textUpdate(2, 2, "which message has ChatName?", privateChat),
		textUpdate(3, 3, "", privateChat),
		{ID: 4},
		textUpdate(5, 5, `{"message":"ok","ChatName":"Ops"}`, privateChat),
	}}

	h.engine.Start(context.Background())
	got := h.backend.sentTexts()
	if len(got) != 1 || got[0].text != "ok" {
		t.Fatalf("expected only the valid request to be relayed, got %+v", got)
	}
	if off := h.cursor.NextPollOffset(); off != 6 {
		t.Errorf("expected offset 6, got %d", off)
	}
}

func TestStart_OffsetCoversEveryUpdate(t *testing.T) {
	h := newHarness(t, false)
	h.backend.batches = [][]domain.Update{
		{{ID: 10}, {ID: 11}, textUpdate(12, 1, "noise", privateChat)},
		{{ID: 20}},
	}

	h.engine.Start(context.Background())
	want := []int{0, 13, 21}
	if len(h.backend.offsets) != len(want) {
		t.Fatalf("expected polls at %v, got %v", want, h.backend.offsets)
	}
	for i := range want {
		if h.backend.offsets[i] != want[i] {
			t.Fatalf("expected polls at %v, got %v", want, h.backend.offsets)
		}
	}
}

func TestStart_ReplayedBatchIsNotResent(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})
	batch := []domain.Update{textUpdate(7, 70, `{"message":"once","ChatName":"Ops"}`, privateChat)}
	h.backend.batches = [][]domain.Update{batch, batch}

	h.engine.Start(context.Background())
	if got := h.backend.sentTexts(); len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", got)
	}

	// Same batch again after a restart.
	r := h.restart(false)
	r.backend.batches = [][]domain.Update{batch}
	r.engine.Start(context.Background())
	if got := r.backend.sentTexts(); len(got) != 0 {
		t.Fatalf("replay after restart must not deliver, got %+v", got)
	}
}

func TestStart_DiscoversGroupsInOrder(t *testing.T) {
	h := newHarness(t, false)
	h.backend.batches = [][]domain.Update{{
		textUpdate(1, 1, "hello all", opsChat),
		textUpdate(2, 2, `{"message":"restock","ChatName":"Ops"}`, privateChat),
	}}

	h.engine.Start(context.Background())
	got := h.backend.sentTexts()
	if len(got) != 1 || got[0].chatID != opsChat.ID {
		t.Fatalf("expected relay to the group discovered earlier in the batch, got %+v", got)
	}

	groups, _ := h.store.LoadGroups(context.Background())
	if len(groups) != 1 || groups[0].Name != "Ops" {
		t.Errorf("expected Ops persisted, got %v", groups)
	}
}

func TestStart_StopCommandHaltsMidBatch(t *testing.T) {
	h := newHarness(t, true, domain.Group{Name: "Ops", ID: -100})
	h.backend.batches = [][]domain.Update{{
		textUpdate(1, 1, `{"message":"before","ChatName":"Ops"}`, privateChat),
		textUpdate(2, 2, "/stop", privateChat),
		textUpdate(3, 3, `{"message":"after","ChatName":"Ops"}`, privateChat),
	}}

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("stop command should end the loop cleanly, got %v", err)
	}
	if h.engine.State() != Stopped {
		t.Error("expected Stopped")
	}
	got := h.backend.sentTexts()
	if len(got) != 1 || got[0].text != "before" {
		t.Fatalf("expected only the message before /stop, got %+v", got)
	}
	if off := h.cursor.NextPollOffset(); off != 3 {
		t.Errorf("expected offset to stop right after the stop update (3), got %d", off)
	}
	if len(h.backend.offsets) != 1 {
		t.Errorf("expected no further polls, got %v", h.backend.offsets)
	}
}

func TestStart_StopCommandIgnoredWhenDisabled(t *testing.T) {
	h := newHarness(t, false)
	h.backend.batches = [][]domain.Update{{textUpdate(1, 1, "/stop", privateChat)}}

	if err := h.engine.Start(context.Background()); !errors.Is(err, errExhausted) {
		t.Fatalf("expected loop to keep polling, got %v", err)
	}
	if len(h.backend.offsets) != 2 {
		t.Errorf("expected a second poll, got %v", h.backend.offsets)
	}
}

func TestStart_SendFaultIsFatalButNotRepeated(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})
	boom := errors.New("connection reset")
	h.backend.sendErr = boom
	h.backend.batches = [][]domain.Update{{
		textUpdate(5, 50, `{"message":"lost","ChatName":"Ops"}`, privateChat),
		textUpdate(6, 51, `{"message":"next","ChatName":"Ops"}`, privateChat),
	}}

	if err := h.engine.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected send fault, got %v", err)
	}
	snap := h.cursor.Snapshot()
	if snap.LastMessageID != 50 {
		t.Errorf("expected message 50 recorded before sending, got %d", snap.LastMessageID)
	}
	if snap.LastUpdateOffset != 0 {
		t.Errorf("abandoned batch must not advance the offset, got %d", snap.LastUpdateOffset)
	}
}

func TestStart_FetchFaultStopsLoop(t *testing.T) {
	h := newHarness(t, false)
	h.backend.fetchErr = errors.New("401 unauthorized")

	err := h.engine.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if h.engine.State() != Stopped {
		t.Error("expected Stopped")
	}
}

func TestStart_CorruptStateIsFatal(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/"+store.CursorFileName, []byte("{{{"), 0o666)
	h := buildHarness(dir, store.NewFileStore(dir, testLogger()), false)

	if err := h.engine.Start(context.Background()); !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if len(h.backend.offsets) != 0 {
		t.Error("loop must not poll with unreadable state")
	}
}

func TestStart_ContextCancelEndsLoop(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
}

func TestStart_RejectsSecondLoop(t *testing.T) {
	h := newHarness(t, false)
	block := make(chan struct{})
	h.engine.backend = blockingBackend{block}

	done := make(chan error, 1)
	go func() { done <- h.engine.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.State() != Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	close(block)
	<-done
}

type blockingBackend struct{ release chan struct{} }

func (b blockingBackend) FetchUpdates(ctx context.Context, offset int) ([]domain.Update, error) {
	<-b.release
	return nil, errExhausted
}

func (b blockingBackend) SendText(ctx context.Context, chatID int64, text string) error { return nil }

func TestSendDirect(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "NotiBotGroup123", ID: 555})

	res := h.engine.SendDirect(context.Background(), "Please, check Shelf #10", "NotiBotGroup123")
	if res.Outcome != domain.OutcomeSent || res.String() != "Message was sent" {
		t.Fatalf("unexpected result %+v", res)
	}
	got := h.backend.sentTexts()
	if len(got) != 1 || got[0].chatID != 555 {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if h.cursor.Snapshot() != (domain.Cursor{}) {
		t.Error("direct send must not touch the cursor")
	}
}

func TestSendDirect_UnknownChatName(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})

	res := h.engine.SendDirect(context.Background(), "hi", "ops")
	if res.Outcome != domain.OutcomeUnknownChat || res.String() != "Unknown chat name" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.backend.sentTexts(); len(got) != 0 {
		t.Fatalf("no delivery expected, got %+v", got)
	}
}

func TestSendDirect_BackendFaultBecomesResult(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})
	h.backend.sendErr = errors.New("Forbidden: bot was kicked from the group chat")

	res := h.engine.SendDirect(context.Background(), "hi", "Ops")
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.String(), "bot was kicked") {
		t.Errorf("failure should describe the fault, got %q", res.String())
	}
}

func TestSendDirect_RecoversPanics(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})
	h.backend.panicOn = "boom"

	res := h.engine.SendDirect(context.Background(), "boom", "Ops")
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failure result, got %+v", res)
	}
}

func TestSendDirect_CorruptGroupsBecomesResult(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/"+store.GroupsFileName, []byte("not json"), 0o666)
	h := buildHarness(dir, store.NewFileStore(dir, testLogger()), false)

	res := h.engine.SendDirect(context.Background(), "hi", "Ops")
	if res.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestSendDirect_ConcurrentWithLoop(t *testing.T) {
	h := newHarness(t, false, domain.Group{Name: "Ops", ID: -100})
	var batches [][]domain.Update
	for i := 1; i <= 50; i++ {
		chat := &domain.Chat{ID: int64(-1000 - i), Title: "G" + string(rune('A'+i%26)), Kind: domain.ChatGroup}
		batches = append(batches, []domain.Update{textUpdate(i, i, "hi", chat)})
	}
	h.backend.batches = batches

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.Start(context.Background())
	}()
	for i := 0; i < 50; i++ {
		if res := h.engine.SendDirect(context.Background(), "ping", "Ops"); res.Outcome != domain.OutcomeSent {
			t.Errorf("direct send %d: %+v", i, res)
		}
	}
	wg.Wait()
}

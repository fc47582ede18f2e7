package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-event-bot/internal/bot"
	"github.com/tbourn/go-event-bot/internal/domain"
	"github.com/tbourn/go-event-bot/internal/http/middleware"
	"github.com/tbourn/go-event-bot/internal/repo"
)

// ---------- test plumbing ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(db) })
	return db
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []bot.Invocation
	res   bot.Result
	err   error
}

func (s *stubDispatcher) Execute(_ context.Context, inv bot.Invocation) (bot.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inv)
	res := s.res
	if res.Command == "" {
		res.Command = inv.Command
	}
	return res, s.err
}

func (s *stubDispatcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubReactions struct {
	got    []bot.Reaction
	result string
}

func (s *stubReactions) Handle(_ context.Context, r bot.Reaction) string {
	s.got = append(s.got, r)
	return s.result
}

type failingReceipts struct{}

func (failingReceipts) Seen(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("db down")
}
func (failingReceipts) Record(context.Context, string, string, string, int) error {
	return errors.New("db down")
}

func newRouter(h *Handlers, receipts Receipts) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var lookup middleware.ReceiptLookup
	if receipts != nil {
		lookup = receipts.Seen
	}
	r.Use(middleware.RequestID(), middleware.Identity(), middleware.Logger())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, lookup))
	r.POST("/commands", h.PostCommand)
	r.POST("/reactions", h.PostReaction)
	return r
}

type call struct {
	body    any
	user    string
	idemKey string
}

func post(t *testing.T, r http.Handler, path string, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := c.body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(middleware.HeaderUserID, c.user)
	}
	if c.idemKey != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, c.idemKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (body %s)", err, w.Body.String())
	}
	return v
}

func listInvocation(msgID string) bot.Invocation {
	return bot.Invocation{
		Command:   "list",
		User:      bot.User{ID: "u1", Name: "Ada"},
		ServerID:  "s1",
		ChannelID: "c1",
		MessageID: msgID,
	}
}

// ---------- commands ----------

func TestPostCommand_ProcessedThenReplayedByHeader(t *testing.T) {
	db := newTestDB(t)
	receipts := &DBReceipts{DB: db, TTL: time.Hour}
	d := &stubDispatcher{res: bot.Result{Outcome: bot.OutcomeOK, Reply: "Active events:", ReplyID: "reply-1"}}
	r := newRouter(New(d, &stubReactions{}, receipts), receipts)

	w := post(t, r, "/commands", call{body: listInvocation("m-1"), user: "u1", idemKey: "m-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("first: status=%d body=%s", w.Code, w.Body.String())
	}
	got := decode[CommandResponse](t, w)
	if got.Status != StatusProcessed || got.Result == nil || got.Result.Reply != "Active events:" || got.Result.ReplyID != "reply-1" {
		t.Fatalf("unexpected body: %+v", got)
	}

	rec, err := repo.GetDelivery(context.Background(), db, "u1", "m-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("receipt not stored: %v", err)
	}
	if rec.Command != "list" || rec.Status != http.StatusOK {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	w = post(t, r, "/commands", call{body: listInvocation("m-1"), user: "u1", idemKey: "m-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("replay: status=%d", w.Code)
	}
	if got := decode[CommandResponse](t, w); got.Status != StatusReplayed || got.Result != nil {
		t.Fatalf("unexpected replay body: %+v", got)
	}
	if d.count() != 1 {
		t.Fatalf("command ran %d times; want 1", d.count())
	}
}

func TestPostCommand_ReplayedByBodyMessageID(t *testing.T) {
	db := newTestDB(t)
	receipts := &DBReceipts{DB: db, TTL: time.Hour}
	d := &stubDispatcher{res: bot.Result{Outcome: bot.OutcomeOK}}
	r := newRouter(New(d, &stubReactions{}, receipts), receipts)

	for i := 0; i < 3; i++ {
		w := post(t, r, "/commands", call{body: listInvocation("m-2")})
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status=%d", i, w.Code)
		}
	}
	if d.count() != 1 {
		t.Fatalf("command ran %d times; want 1", d.count())
	}
	// Another user's message with the same id is a different delivery.
	inv := listInvocation("m-2")
	inv.User = bot.User{ID: "u2"}
	post(t, r, "/commands", call{body: inv})
	if d.count() != 2 {
		t.Fatalf("command ran %d times; want 2", d.count())
	}
}

func TestPostCommand_NoMessageIDAlwaysRuns(t *testing.T) {
	db := newTestDB(t)
	receipts := &DBReceipts{DB: db, TTL: time.Hour}
	d := &stubDispatcher{res: bot.Result{Outcome: bot.OutcomeOK}}
	r := newRouter(New(d, &stubReactions{}, receipts), receipts)

	post(t, r, "/commands", call{body: listInvocation("")})
	post(t, r, "/commands", call{body: listInvocation("")})
	if d.count() != 2 {
		t.Fatalf("command ran %d times; want 2", d.count())
	}
	var n int64
	db.Model(&domain.Delivery{}).Count(&n)
	if n != 0 {
		t.Fatalf("no receipt expected without a message id, got %d", n)
	}
}

func TestPostCommand_RejectedIsOK(t *testing.T) {
	d := &stubDispatcher{res: bot.Result{Outcome: bot.OutcomeRejected, Reply: "Event not found"}}
	r := newRouter(New(d, &stubReactions{}, nil), nil)

	w := post(t, r, "/commands", call{body: listInvocation("m-3")})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := decode[CommandResponse](t, w); got.Result == nil || got.Result.Outcome != bot.OutcomeRejected {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestPostCommand_FaultIs500AndStillRecorded(t *testing.T) {
	db := newTestDB(t)
	receipts := &DBReceipts{DB: db, TTL: time.Hour}
	d := &stubDispatcher{res: bot.Result{Outcome: bot.OutcomeFault}, err: errors.New("store exploded")}
	r := newRouter(New(d, &stubReactions{}, receipts), receipts)

	w := post(t, r, "/commands", call{body: listInvocation("m-4"), user: "u1", idemKey: "m-4"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decode[ErrorResponse](t, w)
	if er.Code != ErrCodeCommandFailed || er.RequestID == "" {
		t.Fatalf("unexpected envelope: %+v", er)
	}
	rec, err := repo.GetDelivery(context.Background(), db, "u1", "m-4", time.Now().UTC())
	if err != nil || rec.Status != http.StatusInternalServerError {
		t.Fatalf("fault receipt: %+v, %v", rec, err)
	}

	// The redelivery is absorbed.
	w = post(t, r, "/commands", call{body: listInvocation("m-4"), user: "u1", idemKey: "m-4"})
	if w.Code != http.StatusOK || d.count() != 1 {
		t.Fatalf("redelivery: status=%d runs=%d", w.Code, d.count())
	}
}

func TestPostCommand_ReceiptFailuresDoNotBlock(t *testing.T) {
	d := &stubDispatcher{res: bot.Result{Outcome: bot.OutcomeOK}}
	r := newRouter(New(d, &stubReactions{}, failingReceipts{}), failingReceipts{})

	w := post(t, r, "/commands", call{body: listInvocation("m-5")})
	if w.Code != http.StatusOK || d.count() != 1 {
		t.Fatalf("status=%d runs=%d", w.Code, d.count())
	}
}

func TestPostCommand_BadPayloads(t *testing.T) {
	d := &stubDispatcher{}
	r := newRouter(New(d, &stubReactions{}, nil), nil)

	cases := []struct {
		name string
		c    call
	}{
		{"not json", call{body: "{"}},
		{"missing command", call{body: map[string]any{"user": map[string]any{"id": "u1"}, "channel_id": "c1"}}},
		{"missing user id", call{body: map[string]any{"command": "list", "user": map[string]any{"name": "x"}, "channel_id": "c1"}}},
		{"missing channel", call{body: map[string]any{"command": "list", "user": map[string]any{"id": "u1"}}}},
		{"header user mismatch", call{body: listInvocation("m-6"), user: "someone-else"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := post(t, r, "/commands", tc.c)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if er := decode[ErrorResponse](t, w); er.Code != ErrCodeBadRequest {
				t.Fatalf("code=%q", er.Code)
			}
		})
	}
	if d.count() != 0 {
		t.Fatalf("bad payloads must not dispatch")
	}
}

// ---------- reactions ----------

func TestPostReaction(t *testing.T) {
	rs := &stubReactions{result: bot.ReactionSubscribed}
	r := newRouter(New(&stubDispatcher{}, rs, nil), nil)

	body := bot.Reaction{Action: bot.ReactionAdd, MessageID: "reply-1", UserID: "u1", Emoji: bot.DefaultEmoji, ServerID: "s1", ChannelID: "c1"}
	w := post(t, r, "/reactions", call{body: body})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	got := decode[ReactionResponse](t, w)
	if got.Status != StatusAccepted || got.Result != bot.ReactionSubscribed {
		t.Fatalf("unexpected body: %+v", got)
	}
	if len(rs.got) != 1 || rs.got[0] != body {
		t.Fatalf("reaction not forwarded: %+v", rs.got)
	}

	bad := map[string]any{"action": "edit", "message_id": "m", "user_id": "u1", "emoji": "x"}
	if w := post(t, r, "/reactions", call{body: bad}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid action: status=%d", w.Code)
	}
	if len(rs.got) != 1 {
		t.Fatalf("invalid reaction must not be forwarded")
	}
}

// ---------- receipts ----------

func TestDBReceipts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rc := &DBReceipts{DB: db}

	if seen, err := rc.Seen(ctx, "u1", "m-1", time.Now().UTC()); err != nil || seen {
		t.Fatalf("empty store: seen=%v err=%v", seen, err)
	}
	if err := rc.Record(ctx, "u1", "m-1", "list", 200); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rc.Record(ctx, "u1", "m-1", "list", 200); err != nil {
		t.Fatalf("duplicate record should be absorbed: %v", err)
	}
	if seen, err := rc.Seen(ctx, "u1", "m-1", time.Now().UTC()); err != nil || !seen {
		t.Fatalf("after record: seen=%v err=%v", seen, err)
	}
	// Default TTL is a day.
	if seen, _ := rc.Seen(ctx, "u1", "m-1", time.Now().UTC().Add(25*time.Hour)); seen {
		t.Fatalf("receipt should have expired")
	}

	sqlDB, _ := db.DB()
	_ = sqlDB.Close()
	if _, err := rc.Seen(ctx, "u1", "m-1", time.Now().UTC()); err == nil {
		t.Fatalf("closed DB should surface an error")
	}
}

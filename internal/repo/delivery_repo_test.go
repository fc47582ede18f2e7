package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-event-bot/internal/domain"
)

func TestGetDelivery_EmptyMessageID_ReturnsNotFound(t *testing.T) {
	db := newRepoDB(t, &domain.Delivery{})
	rec, err := GetDelivery(context.Background(), db, "u1", "   ", time.Now().UTC())
	if rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected (nil, ErrNotFound), got (%v, %v)", rec, err)
	}
}

func TestCreateAndGetDelivery(t *testing.T) {
	db := newRepoDB(t, &domain.Delivery{})
	ctx := context.Background()

	rec, err := CreateDelivery(ctx, db, "u1", "m1", "new", 200, time.Hour)
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if rec.ID == "" || rec.ExpiresAt.Sub(rec.CreatedAt) != time.Hour {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	got, err := GetDelivery(ctx, db, "u1", "m1", time.Now().UTC())
	if err != nil || got.Command != "new" || got.Status != 200 {
		t.Fatalf("GetDelivery: got=%+v err=%v", got, err)
	}

	if _, err := CreateDelivery(ctx, db, "u1", "m1", "new", 200, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := CreateDelivery(ctx, db, "u2", "m1", "new", 200, time.Hour); err != nil {
		t.Fatalf("different user should not collide: %v", err)
	}
}

func TestGetDelivery_Expired(t *testing.T) {
	db := newRepoDB(t, &domain.Delivery{})
	ctx := context.Background()
	now := time.Now().UTC()

	exp := &domain.Delivery{ID: "x", UserID: "u1", MessageID: "m1", Status: 200, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := GetDelivery(ctx, db, "u1", "m1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired receipt, got %v", err)
	}

	n, err := PurgeExpiredDeliveries(ctx, db, now)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredDeliveries: n=%d err=%v", n, err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("UNIQUE constraint failed: deliveries.user_id"), true},
		{errors.New("constraint failed: UNIQUE constraint failed (2067)"), true},
		{errors.New(`ERROR: duplicate key value violates unique constraint "ux"`), true},
		{errors.New("disk I/O error"), false},
	}
	for _, tc := range cases {
		if got := isUniqueViolation(tc.err); got != tc.want {
			t.Fatalf("isUniqueViolation(%q) = %v; want %v", tc.err, got, tc.want)
		}
	}
}

package services

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-event-bot/internal/domain"
	"github.com/tbourn/go-event-bot/internal/repo"
)

// queueSource returns queued draws, clamped to n-1.
type queueSource struct {
	draws []int
	asked []int
}

func (q *queueSource) IntN(n int) int {
	q.asked = append(q.asked, n)
	if len(q.draws) == 0 {
		return 0
	}
	d := q.draws[0]
	q.draws = q.draws[1:]
	if d >= n {
		d = n - 1
	}
	return d
}

func newTopicService(t *testing.T, src *queueSource) *TopicService {
	t.Helper()
	svc := NewTopicService(newSvcDB(t), src)
	svc.Now = func() time.Time { return testNow }
	return svc
}

func TestTopics_AddListRemove(t *testing.T) {
	svc := newTopicService(t, &queueSource{})
	ctx := context.Background()

	for _, name := range []string{"Rockets", "Moon 🌙"} {
		if _, err := svc.Add(ctx, s1, "c1", name); err != nil {
			t.Fatalf("Add(%q): %v", name, err)
		}
	}
	_, err := svc.Add(ctx, s1, "c1", "Rockets")
	wantRejection(t, err, ErrTopicExists)
	_, err = svc.Add(ctx, s1, "c1", "  ")
	wantRejection(t, err, ErrEmptyTopic)
	_, err = svc.Add(ctx, dm, "c1", "x")
	wantRejection(t, err, ErrDirectMessage)

	list, err := svc.List(ctx, s1, "c1")
	if err != nil || len(list) != 2 || list[1].Name != "Moon 🌙" {
		t.Fatalf("List = %+v, %v", list, err)
	}
	if list[0].UseCount != 0 || !list[0].LastUsedAt.Equal(domain.TopicNeverUsed) {
		t.Fatalf("new topic should be unused: %+v", list[0])
	}

	if err := svc.Remove(ctx, s1, "c1", "Rockets"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	wantRejection(t, svc.Remove(ctx, s1, "c1", "Rockets"), ErrTopicNotFound)

	other, _ := svc.List(ctx, s1, "c2")
	if len(other) != 0 {
		t.Fatalf("topics are per channel, got %+v", other)
	}
}

func TestTopics_SpinUsesWeightsInOrder(t *testing.T) {
	src := &queueSource{}
	svc := newTopicService(t, src)
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Add(ctx, s1, "c1", name); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	// Give every topic the same weight: last used 10 days ago, 9 uses.
	tenDaysAgo := testNow.Add(-10 * 24 * time.Hour)
	if err := svc.DB.Model(&domain.Topic{}).Where("1 = 1").
		Updates(map[string]any{"last_used_at": tenDaysAgo, "use_count": 9}).Error; err != nil {
		t.Fatalf("seed weights: %v", err)
	}

	src.draws = []int{1}
	got, err := svc.Spin(ctx, s1, "c1", "u1")
	if err != nil {
		t.Fatalf("Spin: %v", err)
	}
	if got.Name != "B" || got.UseCount != 10 || got.LastUsedBy != "u1" || !got.LastUsedAt.Equal(testNow) {
		t.Fatalf("Spin = %+v", got)
	}
	if src.asked[0] != 3 {
		t.Fatalf("draw bound = %d; want total weight 3", src.asked[0])
	}

	rows, _ := repo.ListTopics(ctx, svc.DB, "s1", "c1")
	if rows[1].UseCount != 10 || rows[0].UseCount != 9 || rows[2].UseCount != 9 {
		t.Fatalf("only the chosen topic is marked used: %+v", rows)
	}
}

func TestTopics_SpinFavoursRestedTopics(t *testing.T) {
	src := &queueSource{}
	svc := newTopicService(t, src)
	ctx := context.Background()
	_, _ = svc.Add(ctx, s1, "c1", "fresh")
	_, _ = svc.Add(ctx, s1, "c1", "rested")
	// "fresh" was used just now (weight 1); "rested" never (weight = days since 1970).
	if err := repo.MarkTopicUsed(ctx, svc.DB, 1, "u9", testNow); err != nil {
		t.Fatalf("MarkTopicUsed: %v", err)
	}

	src.draws = []int{1}
	got, err := svc.Spin(ctx, s1, "c1", "u1")
	if err != nil || got.Name != "rested" {
		t.Fatalf("Spin = %+v, %v", got, err)
	}
	src.draws = []int{0}
	got, err = svc.Spin(ctx, s1, "c1", "u1")
	if err != nil || got.Name != "fresh" {
		t.Fatalf("Spin = %+v, %v", got, err)
	}
}

func TestTopics_SpinEmptyAndDM(t *testing.T) {
	svc := newTopicService(t, &queueSource{})
	_, err := svc.Spin(context.Background(), s1, "c1", "u1")
	wantRejection(t, err, ErrNoTopics)
	_, err = svc.Spin(context.Background(), dm, "c1", "u1")
	wantRejection(t, err, ErrDirectMessage)
}

func TestLockedSource_Concurrent(t *testing.T) {
	src := LockedSource(rand.New(rand.NewPCG(1, 2)))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if v := src.IntN(10); v < 0 || v >= 10 {
					t.Errorf("IntN out of range: %d", v)
				}
			}
		}()
	}
	wg.Wait()
}

func TestNewTopicService_DefaultSource(t *testing.T) {
	svc := NewTopicService(nil, nil)
	if svc.Source == nil {
		t.Fatal("expected a default random source")
	}
}

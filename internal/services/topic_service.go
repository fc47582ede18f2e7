// Package services – TopicService
//
// TopicService manages per-channel conversation topics and the weighted
// "spin" that picks one, favouring topics that have rested longest and have
// been used least.
package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/codec"
	"github.com/tbourn/go-event-bot/internal/domain"
	"github.com/tbourn/go-event-bot/internal/picker"
	"github.com/tbourn/go-event-bot/internal/repo"
)

// TopicView is a topic with its name decoded and its current spin weight.
type TopicView struct {
	ID         int64
	Name       string
	UseCount   int
	LastUsedAt time.Time
	LastUsedBy string
	Weight     int
}

// TopicService coordinates topic persistence and selection.
type TopicService struct {
	DB     *gorm.DB
	Source picker.Source
	Now    func() time.Time
}

// NewTopicService returns a TopicService drawing from src, or from a
// time-seeded PCG generator when src is nil.
func NewTopicService(db *gorm.DB, src picker.Source) *TopicService {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = LockedSource(rand.New(rand.NewPCG(seed, seed>>1|1)))
	}
	return &TopicService{
		DB:     db,
		Source: src,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// LockedSource makes a picker.Source safe for concurrent spins.
func LockedSource(src picker.Source) picker.Source {
	return &lockedSource{src: src}
}

type lockedSource struct {
	mu  sync.Mutex
	src picker.Source
}

func (l *lockedSource) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

var topicTracer = otel.Tracer("services/TopicService")

func (s *TopicService) start(ctx context.Context, name string, scope domain.InvocationScope, channelID string) (context.Context, trace.Span) {
	return topicTracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("scope", scope.String()),
			attribute.String("channel.id", channelID),
		),
	)
}

func topicsServerOnly(scope domain.InvocationScope) error {
	if scope.IsDirect() {
		return reject(ErrDirectMessage, "Sorry, topics only work inside a server channel.")
	}
	return nil
}

// Add stores a new topic for the channel.
func (s *TopicService) Add(ctx context.Context, scope domain.InvocationScope, channelID, name string) (TopicView, error) {
	ctx, span := s.start(ctx, "Add", scope, channelID)
	defer span.End()

	if err := topicsServerOnly(scope); err != nil {
		return TopicView{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return TopicView{}, reject(ErrEmptyTopic, "Sorry, can't add an empty topic!")
	}
	t, err := repo.CreateTopic(ctx, s.DB, scope.ServerID(), channelID, codec.Encode(name))
	if errors.Is(err, repo.ErrDuplicate) {
		return TopicView{}, reject(ErrTopicExists, "Topic **%s** is already on the list.", name)
	}
	if err != nil {
		return TopicView{}, err
	}
	return s.view(t), nil
}

// Remove deletes a topic from the channel.
func (s *TopicService) Remove(ctx context.Context, scope domain.InvocationScope, channelID, name string) error {
	ctx, span := s.start(ctx, "Remove", scope, channelID)
	defer span.End()

	if err := topicsServerOnly(scope); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	n, err := repo.DeleteTopic(ctx, s.DB, scope.ServerID(), channelID, codec.Encode(name))
	if err != nil {
		return err
	}
	if n == 0 {
		return reject(ErrTopicNotFound, "Sorry, topic **%s** is not on the list.", name)
	}
	return nil
}

// List returns the channel's topics in insertion order.
func (s *TopicService) List(ctx context.Context, scope domain.InvocationScope, channelID string) ([]TopicView, error) {
	ctx, span := s.start(ctx, "List", scope, channelID)
	defer span.End()

	if err := topicsServerOnly(scope); err != nil {
		return nil, err
	}
	rows, err := repo.ListTopics(ctx, s.DB, scope.ServerID(), channelID)
	if err != nil {
		return nil, err
	}
	out := make([]TopicView, 0, len(rows))
	for i := range rows {
		out = append(out, s.view(&rows[i]))
	}
	return out, nil
}

// Spin picks a topic by weight and records the use against userID.
func (s *TopicService) Spin(ctx context.Context, scope domain.InvocationScope, channelID, userID string) (TopicView, error) {
	ctx, span := s.start(ctx, "Spin", scope, channelID)
	defer span.End()

	if err := topicsServerOnly(scope); err != nil {
		return TopicView{}, err
	}
	rows, err := repo.ListTopics(ctx, s.DB, scope.ServerID(), channelID)
	if err != nil {
		return TopicView{}, err
	}
	if len(rows) == 0 {
		return TopicView{}, reject(ErrNoTopics, "There are no topics yet. Add one with `topic add <name>`.")
	}

	now := s.now()
	items := make([]picker.Item[int], len(rows))
	for i, t := range rows {
		items[i] = picker.Item[int]{Key: i, Weight: picker.Weight(t.LastUsedAt, now, t.UseCount)}
	}
	idx, err := picker.Pick(s.Source, items)
	if err != nil {
		return TopicView{}, err
	}
	chosen := rows[idx]
	span.SetAttributes(attribute.Int64("topic.id", chosen.ID))

	view := s.view(&chosen)
	if err := repo.MarkTopicUsed(ctx, s.DB, chosen.ID, userID, now); err != nil {
		return TopicView{}, err
	}
	view.UseCount++
	view.LastUsedAt = now
	view.LastUsedBy = userID
	return view, nil
}

func (s *TopicService) view(t *domain.Topic) TopicView {
	return TopicView{
		ID:         t.ID,
		Name:       codec.Decode(t.Name),
		UseCount:   t.UseCount,
		LastUsedAt: t.LastUsedAt,
		LastUsedBy: t.LastUsedBy,
		Weight:     picker.Weight(t.LastUsedAt, s.now(), t.UseCount),
	}
}

func (s *TopicService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/coursechat/internal/db"
	"github.com/tOgg1/coursechat/internal/models"
)

// Demo user ids created by Seed.
const (
	DemoStudent    = "stu-ada"
	DemoInstructor = "ins-grace"
	DemoSupport    = "sup-linus"
	DemoPeer       = "stu-alan"
)

type seedMessage struct {
	from    string
	content string
	ago     time.Duration
}

type seedConversation struct {
	conv     models.Conversation
	messages []seedMessage
}

// Seed creates demo users, a course and a few conversations. Conversations
// that already exist are left alone.
func (s *Server) Seed(ctx context.Context) ([]models.UserRef, error) {
	users := []models.UserRef{
		{ID: DemoStudent, Name: "Ada Lovelace", Role: "student"},
		{ID: DemoInstructor, Name: "Grace Hopper", Role: "instructor"},
		{ID: DemoSupport, Name: "Linus Support", Role: "support"},
		{ID: DemoPeer, Name: "Alan Turing", Role: "student"},
	}
	for _, u := range users {
		if err := s.users.Upsert(ctx, u); err != nil {
			return nil, err
		}
	}

	course := models.CourseRef{ID: "cs101", Title: "Intro to Programming"}
	if err := s.users.UpsertCourse(ctx, course); err != nil {
		return nil, err
	}

	now := s.cfg.Now().UTC()
	fixtures := []seedConversation{
		{
			conv: models.Conversation{
				ID:           "demo-week3",
				Type:         models.ConversationTypeDirect,
				Subject:      "Week 3 exercises",
				Participants: []models.UserRef{users[0], users[1]},
				Course:       &course,
			},
			messages: []seedMessage{
				{from: DemoStudent, content: "Hi! I'm stuck on exercise 3.2.", ago: 3 * time.Hour},
				{from: DemoInstructor, content: "Which part is giving you trouble?", ago: 2 * time.Hour},
				{from: DemoInstructor, content: "Remember the loop invariant from the lecture.", ago: 110 * time.Minute},
			},
		},
		{
			conv: models.Conversation{
				ID:           "demo-billing",
				Type:         models.ConversationTypeSupport,
				Subject:      "Invoice question",
				Participants: []models.UserRef{users[0], users[2]},
			},
			messages: []seedMessage{
				{from: DemoStudent, content: "My invoice shows the wrong course.", ago: 26 * time.Hour},
				{from: DemoSupport, content: "Thanks, we're looking into it.", ago: 25 * time.Hour},
			},
		},
		{
			conv: models.Conversation{
				ID:           "demo-study",
				Type:         models.ConversationTypeDirect,
				Participants: []models.UserRef{users[0], users[3]},
			},
			messages: []seedMessage{
				{from: DemoPeer, content: "Study group tomorrow?", ago: 30 * time.Minute},
			},
		},
	}

	for _, f := range fixtures {
		if _, err := s.convs.Get(ctx, f.conv.ID, ""); err == nil {
			continue
		} else if !errors.Is(err, db.ErrConversationNotFound) {
			return nil, err
		}

		conv := f.conv
		conv.UpdatedAt = now.Add(-48 * time.Hour)
		if err := s.convs.Create(ctx, &conv); err != nil {
			return nil, fmt.Errorf("seed %s: %w", conv.ID, err)
		}
		for _, m := range f.messages {
			msg := models.Message{
				ConversationID: conv.ID,
				SenderID:       m.from,
				Content:        m.content,
				CreatedAt:      now.Add(-m.ago),
			}
			if err := s.messages.Create(ctx, &msg); err != nil {
				return nil, fmt.Errorf("seed %s: %w", conv.ID, err)
			}
		}
	}

	s.logger.Info().Int("users", len(users)).Int("conversations", len(fixtures)).Msg("seeded demo data")
	return users, nil
}

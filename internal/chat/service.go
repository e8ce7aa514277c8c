package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mosich/moonchat/internal/cache"
	"github.com/mosich/moonchat/internal/session"
	"github.com/mosich/moonchat/internal/storage"
)

// Completer produces an assistant reply for a message history.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Model() string
}

// Service runs conversations: it pulls the session history, asks the
// completion API, and records both sides of the exchange.
type Service struct {
	completer Completer
	sessions  *session.Store
	store     *storage.Store
	logger    *slog.Logger
}

// NewService creates a chat service.
func NewService(completer Completer, sessions *session.Store, store *storage.Store) *Service {
	return &Service{
		completer: completer,
		sessions:  sessions,
		store:     store,
		logger:    slog.Default().With("component", "chat"),
	}
}

// Ask sends the user's message with the session history prepended and returns
// the assistant reply. The exchange is appended to the session and logged;
// failed completions are logged too, with an empty reply.
func (s *Service) Ask(ctx context.Context, userID, content string) (string, error) {
	sess, isNew, err := s.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}
	if isNew {
		s.logger.Info("new session", "user_id", userID)
	}

	// Cache markers go through verbatim: their content is the handle the
	// provider resolves back into the registered knowledge.
	messages := make([]Message, 0, len(sess.Messages)+1)
	for _, m := range sess.Messages {
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, Message{Role: cache.RoleUser, Content: content})

	reply, err := s.completer.Complete(ctx, messages)
	if err != nil {
		s.logChat(userID, content, "", "failed")
		return "", fmt.Errorf("completing chat: %w", err)
	}

	if err := s.sessions.AddMessage(ctx, userID, cache.RoleUser, content); err != nil {
		return "", fmt.Errorf("recording user message: %w", err)
	}
	if err := s.sessions.AddMessage(ctx, userID, cache.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("recording assistant message: %w", err)
	}
	s.logChat(userID, content, reply, "completed")

	return reply, nil
}

// History returns the most recent logged exchanges for a user, newest first.
func (s *Service) History(userID string, limit int) ([]storage.ChatLog, error) {
	return s.store.RecentChatLogs(userID, limit)
}

func (s *Service) logChat(userID, content, reply, status string) {
	l := storage.ChatLog{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    time.Now().UTC(),
		UserContent:  content,
		ReplyContent: reply,
		Model:        s.completer.Model(),
		Status:       status,
	}
	if err := s.store.SaveChatLog(l); err != nil {
		s.logger.Warn("saving chat log", "user_id", userID, "error", err)
	}
}

// Package services holds the business logic between the HTTP surface and
// the repository layer.
package services

import (
	"context"

	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/pkg/models"
)

// recentFetchLimit bounds how many turns are pulled before the character
// budget is applied. Budgets in practice truncate far earlier.
const recentFetchLimit = 200

// ConversationService manages conversation history. Appends are serialized
// per conversation by the workflow manager above this layer.
type ConversationService struct {
	repo repository.Repository
}

// NewConversationService creates a new ConversationService.
func NewConversationService(repo repository.Repository) *ConversationService {
	return &ConversationService{repo: repo}
}

// Ensure creates the conversation on first message and verifies tenant
// ownership afterwards.
func (s *ConversationService) Ensure(ctx context.Context, conversationID, tenantID string) (*models.Conversation, error) {
	return s.repo.EnsureConversation(ctx, conversationID, tenantID)
}

// Append appends a turn in arrival order. Seq and timestamp are assigned by
// the store.
func (s *ConversationService) Append(ctx context.Context, conversationID string, role models.TurnRole, content string) (*models.Turn, error) {
	turn := &models.Turn{ConversationID: conversationID, Role: role, Content: content}
	if err := s.repo.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// History returns the full conversation oldest-first.
func (s *ConversationService) History(ctx context.Context, conversationID string) ([]models.Turn, error) {
	return s.repo.ListTurns(ctx, conversationID)
}

// RecentContext returns the most recent turns that fit within a character
// budget, oldest-first for presentation. Selection walks newest-first and
// stops before the turn that would overflow the budget; at least the newest
// turn is always included.
func (s *ConversationService) RecentContext(ctx context.Context, conversationID string, budget int) ([]models.Turn, error) {
	recent, err := s.repo.ListRecentTurns(ctx, conversationID, recentFetchLimit)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}

	used := 0
	kept := 0
	for _, turn := range recent {
		cost := len(turn.Content)
		if kept > 0 && used+cost > budget {
			break
		}
		used += cost
		kept++
	}

	// recent is newest-first; reverse the kept prefix.
	out := make([]models.Turn, kept)
	for i := 0; i < kept; i++ {
		out[kept-1-i] = recent[i]
	}
	return out, nil
}

// Package chat derives question/answer turns from a research transcript and
// manages the single in-flight streaming answer.
package chat

import "creatorevolve/internal/research/model"

// DeriveTurns pairs user questions with the assistant answers that follow
// them. System messages are dropped first; the remainder is walked two at a
// time from the start and only (user, assistant) pairs become turns.
// Anything breaking that cadence produces no turn.
func DeriveTurns(messages []model.ChatMessage) []model.QATurn {
	filtered := make([]model.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != model.RoleSystem {
			filtered = append(filtered, m)
		}
	}

	turns := make([]model.QATurn, 0, len(filtered)/2)
	for i := 0; i+1 < len(filtered); i += 2 {
		q, a := filtered[i], filtered[i+1]
		if q.Role != model.RoleUser || a.Role != model.RoleAssistant {
			continue
		}
		turns = append(turns, model.QATurn{
			Question: q.Content,
			Answer:   a.Content,
			Images:   a.Images,
			Videos:   a.Videos,
		})
	}
	return turns
}

// AssistantIndex maps a turn index back to the raw transcript position of
// its assistant message. The mapping assumes the canonical layout
// [system, user, assistant, user, assistant, ...]; a transcript that breaks
// that cadence makes it target the wrong message.
func AssistantIndex(turn int) int {
	return turn*2 + 2
}

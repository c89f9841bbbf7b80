package engine

import (
	"fmt"

	"memochat/internal/models"
)

const (
	summaryNotePrefix   = "Summary of conversation earlier: "
	extendSummaryPrompt = "This is summary of the conversation to date: %s\n\nExtend the summary with the new messages:"
	createSummaryPrompt = "Create a summary of the conversation above:"
)

// replyPrompt is the model input of a turn: the summary note, if any, then
// the active window in order.
func replyPrompt(state *models.ConversationState) []*models.Message {
	out := make([]*models.Message, 0, len(state.Messages)+1)
	if state.Summary != "" {
		out = append(out, &models.Message{
			ThreadID: state.ThreadID,
			Role:     models.RoleSystem,
			Content:  summaryNotePrefix + state.Summary,
		})
	}
	return append(out, state.Messages...)
}

// summaryPrompt asks the model to fold the given messages into the prior
// summary, or to write a fresh one.
func summaryPrompt(threadID, prior string, fold []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(fold)+1)
	out = append(out, fold...)
	instruction := createSummaryPrompt
	if prior != "" {
		instruction = fmt.Sprintf(extendSummaryPrompt, prior)
	}
	return append(out, &models.Message{
		ThreadID: threadID,
		Role:     models.RoleUser,
		Content:  instruction,
	})
}

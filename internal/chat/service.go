package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/verdant-garden/verdant/internal/action"
	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/llm"
	"github.com/verdant-garden/verdant/internal/usage"
)

const maxTitleLen = 60

const systemPromptHeader = `You are Verdant, a practical gardening assistant. You know the user's garden and its pending care tasks, listed below. Give specific, seasonal advice grounded in what is actually planted.

When the user asks you to schedule, complete, or cancel care work, or to log care they already did, emit a garden action tag alongside your reply, using exactly this format with a JSON payload:

<garden_action type="create_task">{"targetType":"zone","targetId":"...","zoneId":"...","actionType":"water","priority":"today","label":"...","suggestedDate":"YYYY-MM-DD"}</garden_action>
<garden_action type="complete_task">{"taskId":"...","reason":"..."}</garden_action>
<garden_action type="cancel_task">{"taskId":"..."}</garden_action>
<garden_action type="create_care_log">{"targetType":"plant","targetId":"...","actionType":"water","notes":"..."}</garden_action>

Only reference ids that appear in the garden summary. Keep the visible reply conversational; the tags are stripped before the user sees it.`

// ProviderResolver picks a ready model client for a user.
type ProviderResolver interface {
	Resolve(ctx context.Context, userID string) (*llm.Resolution, error)
}

// Reply is the outcome of one chat turn.
type Reply struct {
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	Actions        []action.Result `json:"actions,omitempty"`
	Model          string          `json:"model"`
}

// Service runs chat turns: context assembly, model call, action
// execution, and persistence.
type Service struct {
	store    *Store
	gardens  *garden.Store
	resolver ProviderResolver
	engine   *action.Engine
	usage    *usage.Store
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates a chat service.
func NewService(
	store *Store,
	gardens *garden.Store,
	resolver ProviderResolver,
	engine *action.Engine,
	usageStore *usage.Store,
	timeout time.Duration,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Service{
		store:    store,
		gardens:  gardens,
		resolver: resolver,
		engine:   engine,
		usage:    usageStore,
		timeout:  timeout,
		logger:   logger,
	}
}

// Send runs one chat turn. An empty conversationID starts a new
// conversation titled from the first message. The image, when present,
// is base64-encoded and attached to the user message.
func (s *Service) Send(ctx context.Context, userID, gardenID, conversationID, text, imageBase64 string) (*Reply, error) {
	g, err := s.gardens.GetGarden(ctx, gardenID)
	if err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, fmt.Errorf("garden %s: %w", gardenID, garden.ErrNotFound)
	}

	res, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	var conv *Conversation
	if conversationID == "" {
		conv, err = s.store.CreateConversation(ctx, userID, gardenID, makeTitle(text))
	} else {
		conv, err = s.store.GetConversation(ctx, userID, conversationID)
	}
	if err != nil {
		return nil, err
	}

	system, err := s.buildSystemPrompt(ctx, g)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: text, ImageBase64: imageBase64})

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := res.Client.Chat(callCtx, messages)
	if err != nil {
		return nil, err
	}

	requests, cleaned := action.ParseTags(resp.Content, s.logger)
	scope := action.Scope{GardenID: gardenID, UserID: userID, Via: "chat"}
	results := s.engine.ExecuteAll(ctx, scope, requests)

	if err := s.store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        text,
	}); err != nil {
		return nil, err
	}
	if err := s.store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        cleaned,
		Actions:        results,
	}); err != nil {
		return nil, err
	}

	if err := s.usage.Record(ctx, usage.Record{
		UserID:         userID,
		GardenID:       gardenID,
		ConversationID: conv.ID,
		Provider:       res.Provider,
		Model:          resp.Model,
		InputTokens:    resp.Usage.Input,
		OutputTokens:   resp.Usage.Output,
		Source:         usage.SourceChat,
	}); err != nil {
		s.logger.Error("record usage", "error", err)
	}

	return &Reply{
		ConversationID: conv.ID,
		Content:        cleaned,
		Actions:        results,
		Model:          resp.Model,
	}, nil
}

// buildSystemPrompt appends a garden summary and pending tasks to the
// persona header so the model can reference real ids.
func (s *Service) buildSystemPrompt(ctx context.Context, g *garden.Garden) (string, error) {
	var b strings.Builder
	b.WriteString(systemPromptHeader)

	fmt.Fprintf(&b, "\n\nGarden: %s (id %s)", g.Name, g.ID)
	if g.HardinessZone != "" {
		fmt.Fprintf(&b, ", hardiness zone %s", g.HardinessZone)
	}

	zones, err := s.gardens.ListZones(ctx, g.ID)
	if err != nil {
		return "", err
	}
	for _, z := range zones {
		fmt.Fprintf(&b, "\nZone: %s (id %s)", z.Name, z.ID)
		plants, err := s.gardens.ListPlants(ctx, z.ID)
		if err != nil {
			return "", err
		}
		for _, p := range plants {
			fmt.Fprintf(&b, "\n  Plant: %s (id %s)", p.Name, p.ID)
			if p.GrowthStage != "" {
				fmt.Fprintf(&b, ", %s", p.GrowthStage)
			}
		}
	}

	tasks, err := s.gardens.ListTasks(ctx, g.ID, garden.TaskPending)
	if err != nil {
		return "", err
	}
	if len(tasks) > 0 {
		b.WriteString("\n\nPending tasks:")
		for _, t := range tasks {
			fmt.Fprintf(&b, "\n- %s (id %s, %s, due %s)", t.Label, t.ID, t.Priority, t.SuggestedDate)
		}
	}

	fmt.Fprintf(&b, "\n\nToday is %s.", time.Now().Format("2006-01-02"))
	return b.String(), nil
}

func makeTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen-1]) + "…"
	}
	return title
}

// IsNotFound reports whether err is a missing garden or conversation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, garden.ErrNotFound)
}

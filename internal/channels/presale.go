package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/KafClaw/salesclaw/internal/agent"
)

// PresaleName is the marketplace pre-sale Q&A channel.
const PresaleName = "presale"

// Answerer answers one synchronous question.
type Answerer interface {
	Answer(ctx context.Context, req agent.SyncRequest) (*agent.SyncAnswer, error)
}

// PresaleRequest is a buyer question relayed by the marketplace integration.
type PresaleRequest struct {
	QuestionID string `json:"question_id"`
	ItemID     string `json:"item_id"`
	BuyerID    string `json:"buyer_id"`
	BuyerName  string `json:"buyer_name,omitempty"`
	Text       string `json:"text"`
}

// PresaleResponse carries the answer to post on the listing.
type PresaleResponse struct {
	Answer    string       `json:"answer"`
	ToolsUsed []string     `json:"tools_used"`
	Tokens    PresaleUsage `json:"tokens"`
	Exhausted bool         `json:"exhausted"`
	TraceID   string       `json:"trace_id"`
}

type PresaleUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// PresaleHandler serves POST requests with a PresaleRequest body. Questions
// are answered directly, without buffering or paced delivery.
type PresaleHandler struct {
	answerer  Answerer
	authToken string
}

// NewPresaleHandler creates the handler. An empty token disables auth.
func NewPresaleHandler(a Answerer, authToken string) *PresaleHandler {
	return &PresaleHandler{answerer: a, authToken: strings.TrimSpace(authToken)}
}

func (h *PresaleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token != h.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body PresaleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	buyer := strings.TrimSpace(body.BuyerID)
	if buyer == "" {
		buyer = "anonymous"
	}
	text := strings.TrimSpace(body.Text)
	if item := strings.TrimSpace(body.ItemID); item != "" {
		text = fmt.Sprintf("(Pergunta no anúncio %s)\n%s", item, text)
	}

	ans, err := h.answerer.Answer(r.Context(), agent.SyncRequest{
		Channel:        PresaleName,
		EntityKey:      PresaleName + ":" + buyer,
		SenderName:     body.BuyerName,
		ConversationID: body.QuestionID,
		Text:           text,
	})
	if err != nil {
		status := http.StatusInternalServerError
		var runErr *agent.RunError
		if errors.As(err, &runErr) {
			status = http.StatusBadGateway
		}
		slog.Error("Pre-sale answer failed", "question_id", body.QuestionID, "buyer", buyer, "error", err)
		http.Error(w, "could not answer", status)
		return
	}

	tools := ans.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PresaleResponse{
		Answer:    ans.Text,
		ToolsUsed: tools,
		Tokens:    PresaleUsage{Prompt: ans.Usage.PromptTokens, Completion: ans.Usage.CompletionTokens},
		Exhausted: ans.Exhausted,
		TraceID:   ans.TraceID,
	})
}

package httpapi

import (
	"net/http"

	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// GenerationHandler serves GET /v1/generation?id=, the per-request
// accounting lookup surface.
type GenerationHandler struct {
	store  *metricsstore.Store
	logger *zap.Logger
}

func NewGenerationHandler(store *metricsstore.Store, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{store: store, logger: logger}
}

type wireGeneration struct {
	ID               string   `json:"id"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	CostUSD          float64  `json:"cost_usd"`
	FinishReason     string   `json:"finish_reason"`
	Stream           bool     `json:"stream"`
	RouterScore      *float64 `json:"router_score,omitempty"`
	LatencyMS        int64    `json:"latency_ms"`
}

func (h *GenerationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		WriteError(w, types.NewError(types.ErrSerialization, "id query parameter is required"), h.logger)
		return
	}
	rec, ok := h.store.GetGeneration(id)
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "generation not found: "+id).WithHTTPStatus(http.StatusNotFound), h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, wireGeneration{
		ID:               rec.ID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		CostUSD:          rec.CostUSD,
		FinishReason:     rec.FinishReason,
		Stream:           rec.Stream,
		RouterScore:      rec.RouterScore,
		LatencyMS:        rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
	})
}

package httpapi

import (
	"net/http"
	"strings"

	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// ModelsHandler serves the model catalogue surface: /v1/models,
// /v1/models/{id} and /v1/models/{provider}/{model}/pricing.
type ModelsHandler struct {
	registry *provider.Registry
	logger   *zap.Logger
}

func NewModelsHandler(registry *provider.Registry, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{registry: registry, logger: logger}
}

type wireModel struct {
	ID                 string  `json:"id"`
	Object             string  `json:"object"`
	OwnedBy            string  `json:"owned_by"`
	ContextWindow      int     `json:"context_window"`
	MaxOutputTokens    int     `json:"max_output_tokens"`
	SupportsTools      bool    `json:"supports_tools"`
	SupportsVision     bool    `json:"supports_vision"`
	SupportsStreaming  bool    `json:"supports_streaming"`
	SupportsJSONMode   bool    `json:"supports_json_mode"`
	SupportsLogprobs   bool    `json:"supports_logprobs"`
	SupportsThinking   bool    `json:"supports_thinking"`
	PromptPerMillion   float64 `json:"prompt_per_million"`
	CompletionPerMillion float64 `json:"completion_per_million"`
}

func toWireModel(m provider.ModelInfo) wireModel {
	return wireModel{
		ID:                   m.ID,
		Object:                "model",
		OwnedBy:               m.Provider,
		ContextWindow:         m.ContextWindow,
		MaxOutputTokens:       m.MaxOutputTokens,
		SupportsTools:         m.SupportsTools,
		SupportsVision:        m.SupportsVision,
		SupportsStreaming:     m.SupportsStreaming,
		SupportsJSONMode:      m.SupportsJSONMode,
		SupportsLogprobs:      m.SupportsLogprobs,
		SupportsThinking:      m.SupportsThinking,
		PromptPerMillion:      m.Pricing.PromptPerMillion,
		CompletionPerMillion:  m.Pricing.CompletionPerMillion,
	}
}

// HandleList implements GET /v1/models, aggregating every registered
// provider's model list into one OpenAI-shaped listing.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var out []wireModel
	for _, id := range h.registry.IDs() {
		models, err := h.registry.ListModels(r.Context(), id)
		if err != nil {
			h.logger.Warn("model list unavailable", zap.String("provider", id), zap.Error(err))
			continue
		}
		for _, m := range models {
			out = append(out, toWireModel(m))
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// HandleGet implements GET /v1/models/{id}, scanning every provider's model
// list for a matching model id since ids aren't namespaced by provider on
// this endpoint.
func (h *ModelsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, providerID := range h.registry.IDs() {
		models, err := h.registry.ListModels(r.Context(), providerID)
		if err != nil {
			continue
		}
		for _, m := range models {
			if m.ID == id {
				WriteJSON(w, http.StatusOK, toWireModel(m))
				return
			}
		}
	}
	WriteError(w, types.NewError(types.ErrNotFound, "model not found: "+id).WithHTTPStatus(http.StatusNotFound), h.logger)
}

// HandlePricing implements GET /v1/models/{provider}/{model}/pricing.
func (h *ModelsHandler) HandlePricing(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")
	modelID := r.PathValue("model")

	models, err := h.registry.ListModels(r.Context(), providerID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	for _, m := range models {
		if m.ID == modelID || strings.EqualFold(m.ID, modelID) {
			WriteJSON(w, http.StatusOK, map[string]any{
				"model":                  m.ID,
				"provider":               providerID,
				"prompt_per_million":     m.Pricing.PromptPerMillion,
				"completion_per_million": m.Pricing.CompletionPerMillion,
			})
			return
		}
	}
	WriteError(w, types.NewError(types.ErrNotFound, "model not found: "+modelID).WithHTTPStatus(http.StatusNotFound), h.logger)
}

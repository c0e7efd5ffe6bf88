package httpapi

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"net/http"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/internal/strategy"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// EmbeddingsHandler serves POST /v1/embeddings.
type EmbeddingsHandler struct {
	engine  *strategy.Engine
	configs *rconfig.Store
	gate    auth.ApprovalGate
	logger  *zap.Logger
}

func NewEmbeddingsHandler(engine *strategy.Engine, configs *rconfig.Store, gate auth.ApprovalGate, logger *zap.Logger) *EmbeddingsHandler {
	if gate == nil {
		gate = auth.AutoDenyGate{}
	}
	return &EmbeddingsHandler{engine: engine, configs: configs, gate: gate, logger: logger}
}

// embeddingsRequest accepts "input" as either a single string or an array,
// matching the OpenAI embeddings wire shape.
type embeddingsRequest struct {
	Model          string      `json:"model"`
	Input          interface{} `json:"input"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

type embeddingsData struct {
	Object    string      `json:"object"`
	Index     int         `json:"index"`
	Embedding interface{} `json:"embedding"`
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Model  string           `json:"model"`
	Data   []embeddingsData `json:"data"`
	Usage  wireUsage        `json:"usage"`
}

func normalizeInput(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, types.NewError(types.ErrSerialization, "input array must contain only strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, types.NewError(types.ErrSerialization, "input must be a string or array of strings")
	}
}

// HandleEmbeddings implements POST /v1/embeddings, encoding each returned
// vector as a float array or base64 string per encoding_format.
func (h *EmbeddingsHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	client, ok := ClientFromContext(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req embeddingsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Model == "" {
		WriteError(w, types.NewError(types.ErrSerialization, "model is required"), h.logger)
		return
	}
	inputs, err := normalizeInput(req.Input)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if len(inputs) == 0 {
		WriteError(w, types.NewError(types.ErrSerialization, "input cannot be empty"), h.logger)
		return
	}

	resolved, ok := h.configs.Current().StrategyFor(client)
	if !ok {
		WriteError(w, types.NewError(types.ErrConfig, "no strategy resolved for client").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	resp, err := h.engine.Embed(r.Context(), client, resolved, &types.EmbeddingRequest{
		Model:          req.Model,
		Input:          inputs,
		EncodingFormat: req.EncodingFormat,
	}, h.gate)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	data := make([]embeddingsData, len(resp.Data))
	for i, v := range resp.Data {
		data[i] = embeddingsData{Object: "embedding", Index: v.Index, Embedding: encodeEmbedding(v.Embedding, req.EncodingFormat)}
	}

	WriteJSON(w, http.StatusOK, embeddingsResponse{
		Object: "list",
		Model:  resp.Model,
		Data:   data,
		Usage: wireUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	})
}

// encodeEmbedding returns the vector as a plain float array, or as a
// base64-encoded little-endian float32 buffer when format == "base64" —
// the two encodings OpenAI's embeddings endpoint documents.
func encodeEmbedding(vec []float32, format string) interface{} {
	if format != "base64" {
		return vec
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

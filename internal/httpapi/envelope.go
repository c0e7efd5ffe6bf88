package httpapi

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"

	"github.com/BaSui01/localrouter/internal/pool"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// ErrorBody is OpenAI's nested error shape — the gateway's error envelope
// wraps exactly this, per the HTTP surface's documented wire format.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope is the top-level JSON object an error response carries.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes data as the response body with the given status code.
// Marshaling goes through a pooled buffer so every non-streaming response
// avoids a fresh allocation, then sets Content-Length before writing the
// body — a response encoded straight to w would have to chunk instead.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// statusForCode maps a types.ErrorCode to its HTTP status, the gateway's
// analogue of the teacher's error-code-to-status switch, grounded on the
// taxonomy's documented retry/permission semantics rather than HTTPType's
// wire "type" string alone.
func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrConfig, types.ErrSerialization, types.ErrNotFound:
		return http.StatusBadRequest
	case types.ErrAuth:
		return http.StatusUnauthorized
	case types.ErrPermission:
		return http.StatusForbidden
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrNoEligibleModel, types.ErrProviderHTTP, types.ErrProviderStream, types.ErrMCP:
		return http.StatusBadGateway
	case types.ErrContentFilter:
		return http.StatusUnprocessableEntity
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrCancelled:
		return 499 // client closed request, nginx's conventional code; never surfaced as a 5xx
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as the OpenAI-shaped error envelope, logging it at
// Error severity. A bare error (not *types.Error) is wrapped as Internal
// first so every response still carries a stable "type".
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	te, ok := err.(*types.Error)
	if !ok {
		te = types.NewError(types.ErrInternal, "internal error").WithCause(err)
	}

	status := te.HTTPStatus
	if status == 0 {
		status = statusForCode(te.Code)
	}
	if logger != nil {
		logger.Error("api error", zap.String("code", string(te.Code)), zap.String("message", te.Message),
			zap.Int("status", status), zap.Bool("retryable", te.Retryable), zap.Error(te.Cause))
	}
	if te.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(te.RetryAfterSeconds))
	}
	WriteJSON(w, status, ErrorEnvelope{Error: ErrorBody{
		Message: te.Message,
		Type:    te.Code.HTTPType(),
		Code:    string(te.Code),
	}})
}

// DecodeJSONBody decodes r's body into dst, bounding it to 1MB and
// rejecting unknown fields, writing a 400 error envelope on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrSerialization, "request body is empty").WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, err, logger)
		return err
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrSerialization, "invalid JSON body").WithCause(err).WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType rejects any request whose Content-Type isn't
// application/json, using mime.ParseMediaType so charset/boundary params
// and case variants are handled correctly.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, types.NewError(types.ErrSerialization, "Content-Type must be application/json").WithHTTPStatus(http.StatusBadRequest), logger)
		return false
	}
	return true
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

type clientKey struct{}

// ClientFromContext returns the client BearerAuth authenticated this request
// as, ok=false if the request reached the handler unauthenticated.
func ClientFromContext(ctx context.Context) (*rconfig.Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*rconfig.Client)
	return c, ok
}

// BearerAuth validates the Authorization: Bearer token against issuer,
// resolves the claimed client id against the live config snapshot, and
// injects the resolved *rconfig.Client into the request context. It never
// distinguishes "unknown" from "recognised but disabled" in its response —
// both answer "invalid bearer token" so a client can't probe for ids.
func BearerAuth(issuer *auth.TokenIssuer, configs *rconfig.Store, skipPaths map[string]struct{}, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), logger)
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			clientID, err := issuer.Verify(tokenStr)
			if err != nil {
				WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), logger)
				return
			}

			client, ok := configs.Current().ClientByID(clientID)
			if !ok {
				WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), logger)
				return
			}

			ctx := context.WithValue(r.Context(), clientKey{}, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OAuthHandler implements the client-credentials token endpoint.
type OAuthHandler struct {
	issuer  *auth.TokenIssuer
	configs *rconfig.Store
	logger  *zap.Logger
}

func NewOAuthHandler(issuer *auth.TokenIssuer, configs *rconfig.Store, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{issuer: issuer, configs: configs, logger: logger}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// clientCredentials is the union of the three shapes the grant may arrive
// in: form body, JSON body, or HTTP Basic — extractCredentials tries each.
type clientCredentials struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// HandleToken implements POST /oauth/token. Only grant_type=client_credentials
// is supported; anything else answers unsupported_grant_type per the OAuth
// surface contract.
func (h *OAuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	creds, err := extractCredentials(r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if creds.GrantType != "client_credentials" {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	snap := h.configs.Current()
	client, ok := snap.ClientByID(creds.ClientID)
	if !ok || !auth.VerifyClientSecret(creds.ClientSecret, client.SecretHash) {
		WriteError(w, types.NewError(types.ErrAuth, "invalid client credentials").WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}

	token, expiresAt, err := h.issuer.IssueClientCredentialsToken(client.ID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(expiresAt.Sub(time.Now()).Seconds()),
	})
}

// extractCredentials reads client_id/client_secret/grant_type from an
// Authorization: Basic header and from either a JSON body (Content-Type
// application/json) or a form-encoded body; a non-empty client_id or
// client_secret in the body overrides the value taken from the Basic header.
func extractCredentials(r *http.Request) (clientCredentials, error) {
	var creds clientCredentials

	if user, pass, ok := r.BasicAuth(); ok {
		creds.ClientID = user
		creds.ClientSecret = pass
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		body := http.MaxBytesReader(nil, r.Body, 1<<16)
		var jsonCreds clientCredentials
		if err := json.NewDecoder(body).Decode(&jsonCreds); err != nil {
			return creds, err
		}
		if jsonCreds.ClientID != "" {
			creds.ClientID = jsonCreds.ClientID
		}
		if jsonCreds.ClientSecret != "" {
			creds.ClientSecret = jsonCreds.ClientSecret
		}
		creds.GrantType = jsonCreds.GrantType

	default:
		if err := r.ParseForm(); err != nil {
			return creds, err
		}
		if v := r.PostForm.Get("client_id"); v != "" {
			creds.ClientID = v
		}
		if v := r.PostForm.Get("client_secret"); v != "" {
			creds.ClientSecret = v
		}
		if v := r.PostForm.Get("grant_type"); v != "" {
			creds.GrantType = v
		}
	}

	if creds.GrantType == "" {
		creds.GrantType = "client_credentials"
	}
	return creds, nil
}

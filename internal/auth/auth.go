// Package auth implements A: OAuth2 client-credentials token issuance and
// verification for gateway clients, plus the access-gate functions the HTTP
// layer and MCP gateway consult before dispatching a call.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims is the JWT payload issued for a client-credentials grant.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// TokenIssuer mints and verifies bearer tokens for authenticated clients
// using HMAC-signed JWTs, the same HS256 path the teacher's middleware
// verifies against.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	revoked   map[string]time.Time // jti -> expiry, reaped lazily
	testToken string                // internal-test-secret bypass, rotated at process start
}

func New(secret []byte, issuer string, ttl time.Duration, logger *zap.Logger) *TokenIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	ti := &TokenIssuer{
		secret:  secret,
		issuer:  issuer,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "auth")),
		revoked: make(map[string]time.Time),
	}
	ti.testToken = randomToken()
	return ti
}

func randomToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return "test-" + hex.EncodeToString(b)
}

// InternalTestSecret returns the process-lifetime bypass token, never
// persisted to disk or logged, for embedders running in-process integration
// tests against a live gateway instance.
func (ti *TokenIssuer) InternalTestSecret() string { return ti.testToken }

// VerifyClientSecret constant-time-compares the SHA-256 hex digest of
// candidate against hash, the hashed secret stored on the rconfig.Client
// record.
func VerifyClientSecret(candidate, hash string) bool {
	if len(candidate) == 0 || len(hash) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(candidate)), []byte(hash)) == 1
}

// hashSecret is exported via HashSecret for config loaders that persist a
// client's secret at rest; kept unexported here to force call through the
// one entry point.
func hashSecret(secret string) string {
	// Stored secrets are the lowercase hex SHA-256 digest of the plaintext.
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashSecret exposes the SHA-256 hex transform so callers persist and
// compare through the same function.
func HashSecret(secret string) string { return hashSecret(secret) }

// IssueClientCredentialsToken mints a bearer JWT for clientID.
func (ti *TokenIssuer) IssueClientCredentialsToken(clientID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ti.ttl)
	jti := randomToken()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		ClientID: clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, types.NewError(types.ErrInternal, "failed to sign token").WithCause(err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates tokenStr, returning the authenticated
// client id. The internal test secret bypasses JWT parsing entirely.
func (ti *TokenIssuer) Verify(tokenStr string) (string, error) {
	if ti.testToken != "" && subtle.ConstantTimeCompare([]byte(tokenStr), []byte(ti.testToken)) == 1 {
		return "internal-test", nil
	}

	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return ti.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(ti.issuer))
	if err != nil {
		return "", types.NewError(types.ErrAuth, "invalid or expired token").WithCause(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", types.NewError(types.ErrAuth, "invalid token claims")
	}

	ti.mu.Lock()
	_, isRevoked := ti.revoked[claims.ID]
	ti.mu.Unlock()
	if isRevoked {
		return "", types.NewError(types.ErrAuth, "token has been revoked")
	}

	return claims.ClientID, nil
}

// Revoke blocks a specific token (by jti) until its natural expiry.
func (ti *TokenIssuer) Revoke(jti string, expiresAt time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.revoked[jti] = expiresAt
}

// ReapExpired removes revocation entries whose token has already expired
// naturally, keeping the in-memory set bounded. Intended to be called
// periodically by the embedder (e.g. from a time.Ticker loop).
func (ti *TokenIssuer) ReapExpired(now time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for jti, exp := range ti.revoked {
		if now.After(exp) {
			delete(ti.revoked, jti)
		}
	}
}

// ApprovalGate is consulted before an action requiring explicit user
// sign-off proceeds (e.g. a tool call under an "ask" permission state). The
// embedder supplies the concrete implementation (desktop prompt, CLI
// confirmation, auto-deny in headless mode).
type ApprovalGate interface {
	RequestApproval(ctx context.Context, clientID, kind, detail string) (bool, error)
}

// AutoDenyGate denies every request; the default when no embedder gate is
// wired in, so an "ask" permission state never silently resolves to allow.
type AutoDenyGate struct{}

func (AutoDenyGate) RequestApproval(ctx context.Context, clientID, kind, detail string) (bool, error) {
	return false, nil
}

// CheckModelAccess resolves whether client may dispatch to (provider, model),
// consulting both the coarse AllowedProviders set and the finer-grained
// ModelPermissions tri-state, escalating "ask" to gate.
func CheckModelAccess(ctx context.Context, client *rconfig.Client, provider, model string, gate ApprovalGate) (bool, error) {
	if _, ok := client.AllowedProviders[provider]; !ok {
		return false, nil
	}
	switch client.ModelPermissions.Check(provider, model) {
	case rconfig.PermAllow:
		return true, nil
	case rconfig.PermOff:
		return false, nil
	case rconfig.PermAsk:
		if gate == nil {
			gate = AutoDenyGate{}
		}
		return gate.RequestApproval(ctx, client.ID, "model", provider+":"+model)
	default:
		return false, nil
	}
}

// CheckMCPToolAccess resolves whether client may invoke (server, tool),
// first requiring the server itself be in the client's resolved MCP access
// set before consulting the finer-grained McpPermissions tri-state.
func CheckMCPToolAccess(ctx context.Context, client *rconfig.Client, allServerIDs []string, server, tool string, gate ApprovalGate) (bool, error) {
	granted := client.MCPAccess.Resolve(allServerIDs)
	if _, ok := granted[server]; !ok {
		return false, nil
	}
	switch client.MCPPermissions.Check(server, tool) {
	case rconfig.PermAllow:
		return true, nil
	case rconfig.PermOff:
		return false, nil
	case rconfig.PermAsk:
		if gate == nil {
			gate = AutoDenyGate{}
		}
		return gate.RequestApproval(ctx, client.ID, "mcp_tool", server+":"+tool)
	default:
		return false, nil
	}
}

// CheckMarketplaceAccess resolves whether client may install/enable a
// marketplace-sourced skill, mirroring the MCP gate's tri-state logic over
// SkillsPermissions.
func CheckMarketplaceAccess(ctx context.Context, client *rconfig.Client, skill string, gate ApprovalGate) (bool, error) {
	switch client.SkillsPerms.Check(skill) {
	case rconfig.PermAllow:
		return true, nil
	case rconfig.PermOff:
		return false, nil
	case rconfig.PermAsk:
		if gate == nil {
			gate = AutoDenyGate{}
		}
		return gate.RequestApproval(ctx, client.ID, "skill", skill)
	default:
		return false, nil
	}
}

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify_RoundTrips(t *testing.T) {
	ti := New([]byte("secret"), "localrouter", time.Hour, nil)
	token, expiresAt, err := ti.IssueClientCredentialsToken("client-1")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	clientID, err := ti.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	ti := New([]byte("secret"), "localrouter", time.Hour, nil)
	token, _, err := ti.IssueClientCredentialsToken("client-1")
	require.NoError(t, err)

	other := New([]byte("different"), "localrouter", time.Hour, nil)
	_, err = other.Verify(token)
	require.Error(t, err)
	assert.Equal(t, types.ErrAuth, types.GetErrorCode(err))
}

func TestVerify_InternalTestSecretBypasses(t *testing.T) {
	ti := New([]byte("secret"), "localrouter", time.Hour, nil)
	clientID, err := ti.Verify(ti.InternalTestSecret())
	require.NoError(t, err)
	assert.Equal(t, "internal-test", clientID)
}

func TestRevoke_BlocksFurtherVerification(t *testing.T) {
	ti := New([]byte("secret"), "localrouter", time.Hour, nil)
	token, expiresAt, err := ti.IssueClientCredentialsToken("client-1")
	require.NoError(t, err)

	claims := &Claims{}
	parser := jwt.NewParser()
	_, _, parseErr := parser.ParseUnverified(token, claims)
	require.NoError(t, parseErr)

	ti.Revoke(claims.ID, expiresAt)
	_, err = ti.Verify(token)
	require.Error(t, err)
}

func TestCheckModelAccess_DeniesWhenProviderNotAllowed(t *testing.T) {
	client := &rconfig.Client{
		ID:               "c1",
		AllowedProviders: map[string]struct{}{"openai": {}},
		ModelPermissions: rconfig.ModelPermissions{Global: rconfig.PermAllow},
	}
	ok, err := CheckModelAccess(context.Background(), client, "anthropic", "claude", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckModelAccess_AllowsGlobalAllow(t *testing.T) {
	client := &rconfig.Client{
		ID:               "c1",
		AllowedProviders: map[string]struct{}{"openai": {}},
		ModelPermissions: rconfig.ModelPermissions{Global: rconfig.PermAllow},
	}
	ok, err := CheckModelAccess(context.Background(), client, "openai", "gpt-4o", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckModelAccess_AskFallsThroughToAutoDenyGate(t *testing.T) {
	client := &rconfig.Client{
		ID:               "c1",
		AllowedProviders: map[string]struct{}{"openai": {}},
		ModelPermissions: rconfig.ModelPermissions{Global: rconfig.PermAsk},
	}
	ok, err := CheckModelAccess(context.Background(), client, "openai", "gpt-4o", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckMCPToolAccess_RequiresServerInResolvedAccess(t *testing.T) {
	client := &rconfig.Client{
		ID: "c1",
		MCPAccess: rconfig.McpServerAccess{
			Kind:    rconfig.McpAccessSpecific,
			Servers: map[string]struct{}{"srv-a": {}},
		},
		MCPPermissions: rconfig.McpPermissions{Global: rconfig.PermAllow},
	}
	ok, err := CheckMCPToolAccess(context.Background(), client, []string{"srv-a", "srv-b"}, "srv-b", "search", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckMCPToolAccess(context.Background(), client, []string{"srv-a", "srv-b"}, "srv-a", "search", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Package rconfig holds the in-memory configuration model: clients,
// strategies, provider instances and MCP server configs, plus a resolver
// that flattens strategy inheritance into a deterministic candidate view.
//
// This package deliberately does not read or write YAML, does not watch
// files, and does not migrate schema versions — that is the desktop shell's
// job. It only holds and resolves an in-memory Snapshot handed to it by a
// Loader the embedder supplies.
package rconfig

import "time"

// PermissionState is a tri-state access gate.
type PermissionState string

const (
	PermAllow PermissionState = "allow"
	PermAsk   PermissionState = "ask"
	PermOff   PermissionState = "off"
)

// resolve returns the most-specific-wins permission state: item, then
// category, then global, falling through when a map entry is absent.
func resolve(global PermissionState, category, item *PermissionState) PermissionState {
	if item != nil {
		return *item
	}
	if category != nil {
		return *category
	}
	return global
}

// ModelPermissions resolves access for (provider, model) pairs.
type ModelPermissions struct {
	Global      PermissionState
	PerProvider map[string]PermissionState
	PerModel    map[string]PermissionState // keyed "provider:model"
}

// Check resolves access in model -> provider -> global order.
func (m ModelPermissions) Check(provider, model string) PermissionState {
	var item, cat *PermissionState
	if v, ok := m.PerModel[provider+":"+model]; ok {
		item = &v
	}
	if v, ok := m.PerProvider[provider]; ok {
		cat = &v
	}
	return resolve(m.Global, cat, item)
}

// McpPermissions resolves access for (server, tool) pairs.
type McpPermissions struct {
	Global    PermissionState
	PerServer map[string]PermissionState
	PerTool   map[string]PermissionState // keyed "server:tool"
}

// Check resolves access in tool -> server -> global order.
func (m McpPermissions) Check(server, tool string) PermissionState {
	var item, cat *PermissionState
	if v, ok := m.PerTool[server+":"+tool]; ok {
		item = &v
	}
	if v, ok := m.PerServer[server]; ok {
		cat = &v
	}
	return resolve(m.Global, cat, item)
}

// SkillsPermissions mirrors McpPermissions for the (out-of-core) skills surface.
type SkillsPermissions struct {
	Global    PermissionState
	PerSkill  map[string]PermissionState
	PerTool   map[string]PermissionState
}

// Check resolves access in skill -> global order.
func (m SkillsPermissions) Check(skill string) PermissionState {
	var item *PermissionState
	if v, ok := m.PerSkill[skill]; ok {
		item = &v
	}
	return resolve(m.Global, nil, item)
}

// McpServerAccess is the client's access policy over MCP backends. The zero
// value (None, empty Specific set) is deliberate: empty means no access, the
// distinct All variant means "all" — these are never conflated.
type McpServerAccessKind string

const (
	McpAccessNone     McpServerAccessKind = "none"
	McpAccessAll      McpServerAccessKind = "all"
	McpAccessSpecific McpServerAccessKind = "specific"
)

type McpServerAccess struct {
	Kind    McpServerAccessKind
	Servers map[string]struct{} // only meaningful when Kind == McpAccessSpecific
}

// Resolve returns the set of server ids this access policy grants, given the
// full set of configured (enabled) server ids. A None access or an empty
// Specific set both resolve to the empty set — "empty access" is a distinct,
// deliberate outcome from Kind itself; callers must not special-case nil vs.
// empty maps as "all".
func (a McpServerAccess) Resolve(allServerIDs []string) map[string]struct{} {
	switch a.Kind {
	case McpAccessAll:
		out := make(map[string]struct{}, len(allServerIDs))
		for _, id := range allServerIDs {
			out[id] = struct{}{}
		}
		return out
	case McpAccessSpecific:
		out := make(map[string]struct{}, len(a.Servers))
		for id := range a.Servers {
			out[id] = struct{}{}
		}
		return out
	default:
		return map[string]struct{}{}
	}
}

// SamplingPolicy is a client's optional constraint on MCP sampling requests.
type SamplingPolicy struct {
	Enabled   bool
	RateLimit *RateLimitRule
}

// Client is an authenticated external consumer of the gateway.
type Client struct {
	ID          string
	Name        string
	Enabled     bool
	StrategyID  string
	SecretHash  string // constant-time-compared bearer secret, hashed at rest

	AllowedProviders map[string]struct{} // provider-instance ids this client may dispatch to
	MCPAccess        McpServerAccess
	// DeferredToolLoading opts the client's MCP sessions into deferred
	// capability loading: tools/list exposes only a synthetic "search" tool
	// plus whatever has been activated, instead of the full merged catalogue.
	DeferredToolLoading bool

	ModelPermissions ModelPermissions
	MCPPermissions   McpPermissions
	SkillsPerms      SkillsPermissions

	Sampling SamplingPolicy
	Roots    []Root

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Root is an MCP root URI entry, filterable by Enabled.
type Root struct {
	URI     string
	Name    string
	Enabled bool
}

// RateLimitKind enumerates what a RateLimitRule counts.
type RateLimitKind string

const (
	RateRequests         RateLimitKind = "requests"
	RatePromptTokens     RateLimitKind = "prompt_tokens"
	RateCompletionTokens RateLimitKind = "completion_tokens"
	RateTotalTokens      RateLimitKind = "total_tokens"
	RateCostUSD          RateLimitKind = "cost_usd"
)

// RateLimitWindow enumerates the rolling window a RateLimitRule applies over.
type RateLimitWindow string

const (
	WindowMinute RateLimitWindow = "minute"
	WindowHour   RateLimitWindow = "hour"
	WindowDay    RateLimitWindow = "day"
	WindowMonth  RateLimitWindow = "month"
)

// Duration returns the wall-clock span of the window.
func (w RateLimitWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// RateLimitRule is one constraint a strategy enforces; a strategy may carry
// many, and all must pass.
type RateLimitRule struct {
	Kind  RateLimitKind
	Window RateLimitWindow
	Limit float64
}

// AllowedModelsMode selects how a strategy enumerates candidates.
type AllowedModelsMode string

const (
	ModelsExplicit  AllowedModelsMode = "explicit"
	ModelsWildcard  AllowedModelsMode = "wildcard"
	ModelsAuto      AllowedModelsMode = "auto"
)

// ModelRef names one (provider-instance, model) candidate.
type ModelRef struct {
	ProviderInstanceID string
	Model              string
}

// IntelligentRouterConfig configures the optional classifier-backed
// strong/weak model split within an Auto strategy.
type IntelligentRouterConfig struct {
	Enabled   bool
	Threshold float64
	Strong    []ModelRef
	Weak      []ModelRef
}

// AutoConfig configures the Auto allowed-models mode.
type AutoConfig struct {
	PrioritisedModels []ModelRef
	IntelligentRouter *IntelligentRouterConfig
}

// AllowedModels is the strategy's candidate-enumeration selector.
type AllowedModels struct {
	Mode     AllowedModelsMode
	Explicit []ModelRef  // Mode == ModelsExplicit
	Auto     *AutoConfig // Mode == ModelsAuto
}

// Strategy is a named routing policy, possibly inheriting unset fields from
// a parent. Resolution happens once per config snapshot via resolveStrategies.
type Strategy struct {
	ID             string
	Name           string
	ParentID       string // "" if no parent

	AllowedModels *AllowedModels // nil means "inherit from parent"
	RateLimits    []RateLimitRule
}

// ProviderFamily identifies which wire protocol a ProviderInstance speaks.
type ProviderFamily string

const (
	FamilyOpenAICompat ProviderFamily = "openai_compat"
	FamilyAnthropic    ProviderFamily = "anthropic"
	FamilyGemini       ProviderFamily = "gemini"
	FamilyOllama       ProviderFamily = "ollama"
)

// ProviderInstance is a configured upstream credential/endpoint pair, owned
// by the provider registry (P).
type ProviderInstance struct {
	ID       string
	Family   ProviderFamily
	APIKey   string // resolved from the secret store by the embedder before construction
	BaseURL  string
	Extra    map[string]string
}

// McpAuthKind enumerates McpServerConfig.Auth variants.
type McpAuthKind string

const (
	McpAuthNone   McpAuthKind = "none"
	McpAuthBearer McpAuthKind = "bearer"
	McpAuthOAuth  McpAuthKind = "oauth"
)

type McpAuth struct {
	Kind          McpAuthKind
	Token         string // McpAuthBearer
	CredentialRef string // McpAuthOAuth, resolved via the secret store
}

// McpTransportKind enumerates McpServerConfig.Transport variants.
type McpTransportKind string

const (
	TransportStdio          McpTransportKind = "stdio"
	TransportHTTPSSE        McpTransportKind = "http_sse"
	TransportWebSocket      McpTransportKind = "websocket"
	TransportStreamableHTTP McpTransportKind = "streamable_http"
)

type McpTransport struct {
	Kind McpTransportKind

	// Stdio
	Command string
	Args    []string
	Env     map[string]string

	// HttpSse / WebSocket / StreamableHttp
	URL     string
	Headers map[string]string
}

// McpServerConfig describes one backend MCP server.
type McpServerConfig struct {
	ID        string
	Name      string
	Enabled   bool
	Transport McpTransport
	Auth      McpAuth
}

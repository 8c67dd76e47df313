// Package registry loads and holds the gateway's two declarative tables:
// the routing table (logical model name → backend routing parameters) and
// the user table (caller token → caller profile).
//
// Both documents are YAML. String values of the form "os.environ/NAME" are
// replaced with the value of environment variable NAME at load time, applied
// recursively through nested maps and sequences (see envsubst.go).
//
// Loaded tables are memoized by file path, so repeated loads never touch the
// disk. A reload requires an explicit Invalidate, keeping disk I/O off the
// request path at the cost of serving stale config until then. The active
// tables are installed as immutable snapshots behind atomic pointers, so
// concurrent readers never observe a partially-updated table.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nulpointcorp/tenant-gateway/pkg/apierr"
)

// Family identifies the provider family a backend model belongs to.
// It is resolved once at config load from the backend model's "<family>/"
// prefix, so the dispatcher never inspects model strings at call time.
type Family int

const (
	// FamilyOpenAI covers the OpenAI API and all OpenAI-compatible backends.
	// It is the default for models without a recognised prefix.
	FamilyOpenAI Family = iota
	// FamilyAzure requires ambient bearer-token auth via the credential cache.
	FamilyAzure
	FamilyAnthropic
	FamilyGemini
)

// String returns the family's routing prefix.
func (f Family) String() string {
	switch f {
	case FamilyAzure:
		return "azure"
	case FamilyAnthropic:
		return "anthropic"
	case FamilyGemini:
		return "gemini"
	default:
		return "openai"
	}
}

// RequiresBearerToken reports whether the family authenticates with a
// dynamically issued bearer token instead of a static API key.
func (f Family) RequiresBearerToken() bool { return f == FamilyAzure }

// CredentialParams carries the client-credentials triple for backends that
// require issued bearer tokens, or a pre-issued static token.
type CredentialParams struct {
	ClientID     string
	TenantID     string
	ClientSecret string

	// StaticToken is a pre-issued bearer token. When set, token acquisition
	// is skipped entirely.
	StaticToken string
}

// RoutingEntry maps one logical model name to its backend call parameters.
// Entries are immutable after load and owned exclusively by the Registry.
type RoutingEntry struct {
	// ModelName is the caller-facing logical name. Unique within a table.
	ModelName string

	// BackendModel is the provider-native model identifier, possibly carrying
	// a "<family>/" prefix (e.g. "azure/gpt-4o-deploy").
	BackendModel string

	// Family is resolved from BackendModel's prefix at load time.
	Family Family

	// APIBase overrides the backend client's endpoint. Empty means "inherit
	// whatever default the client already has"; never overwritten with empty.
	APIBase string

	// APIKey overrides the backend client's key. Same inherit semantics.
	APIKey string

	// Credential holds the client-credentials config for bearer-token
	// families. Nil when the entry uses static key auth.
	Credential *CredentialParams

	// ExtraHeaders are attached verbatim to the outbound call.
	ExtraHeaders map[string]string
}

// StrippedBackendModel returns BackendModel without its family prefix.
func (e RoutingEntry) StrippedBackendModel() string {
	if i := strings.IndexByte(e.BackendModel, '/'); i >= 0 {
		return e.BackendModel[i+1:]
	}
	return e.BackendModel
}

// CallerProfile identifies a tenant for dispatch accounting and metrics labels.
type CallerProfile struct {
	ID      string
	Project string
	Org     string
}

// RoutingTable maps logical model names to routing entries.
type RoutingTable map[string]RoutingEntry

// UserTable maps opaque caller tokens to profiles.
type UserTable map[string]CallerProfile

// Registry loads, memoizes, and serves both tables.
type Registry struct {
	mu          sync.Mutex
	routingMemo map[string]RoutingTable
	userMemo    map[string]UserTable

	routing atomic.Pointer[RoutingTable]
	users   atomic.Pointer[UserTable]
}

// New returns an empty Registry. Both active tables start empty.
func New() *Registry {
	r := &Registry{
		routingMemo: make(map[string]RoutingTable),
		userMemo:    make(map[string]UserTable),
	}
	empty := RoutingTable{}
	r.routing.Store(&empty)
	emptyUsers := UserTable{}
	r.users.Store(&emptyUsers)
	return r
}

// LoadRoutingTable loads the routing document at path and installs it as the
// active routing snapshot. An empty path yields an empty table; a named but
// missing file is a fatal *apierr.ConfigNotFound. Results are memoized by
// path until Invalidate is called.
func (r *Registry) LoadRoutingTable(path string) (RoutingTable, error) {
	if path == "" {
		empty := RoutingTable{}
		r.routing.Store(&empty)
		return empty, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if table, ok := r.routingMemo[path]; ok {
		r.routing.Store(&table)
		return table, nil
	}

	raw, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	table, err := buildRoutingTable(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", path, err)
	}

	r.routingMemo[path] = table
	r.routing.Store(&table)
	return table, nil
}

// LoadUserTable loads the user document at path and installs it as the active
// user snapshot. Path semantics match LoadRoutingTable.
func (r *Registry) LoadUserTable(path string) (UserTable, error) {
	if path == "" {
		empty := UserTable{}
		r.users.Store(&empty)
		return empty, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if table, ok := r.userMemo[path]; ok {
		r.users.Store(&table)
		return table, nil
	}

	raw, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	table, err := buildUserTable(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", path, err)
	}

	r.userMemo[path] = table
	r.users.Store(&table)
	return table, nil
}

// Invalidate drops all memoized tables. The active snapshots stay in place
// until the next Load installs fresh ones.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.routingMemo = make(map[string]RoutingTable)
	r.userMemo = make(map[string]UserTable)
	r.mu.Unlock()
}

// Route returns the routing entry for the given logical model name.
func (r *Registry) Route(model string) (RoutingEntry, bool) {
	table := *r.routing.Load()
	e, ok := table[model]
	return e, ok
}

// Profile returns the caller profile for the given token.
func (r *Registry) Profile(token string) (CallerProfile, bool) {
	table := *r.users.Load()
	p, ok := table[token]
	return p, ok
}

// UserTableSnapshot returns the active user table. The returned map must be
// treated as read-only.
func (r *Registry) UserTableSnapshot() UserTable {
	return *r.users.Load()
}

// Models returns the sorted logical model names of the active routing table.
func (r *Registry) Models() []string {
	table := *r.routing.Load()
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ── Document parsing ─────────────────────────────────────────────────────────

// loadDocument reads the YAML file at path into a raw nested map with
// environment substitution already applied.
func loadDocument(path string) (map[string]any, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &apierr.ConfigNotFound{Path: path}
		}
		return nil, fmt.Errorf("registry: stat %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}

	raw := k.Raw()
	substituted, _ := expandEnv(raw, 0)
	if m, ok := substituted.(map[string]any); ok {
		return m, nil
	}
	return raw, nil
}

// buildRoutingTable converts the raw routing document into a RoutingTable.
//
// Document shape:
//
//	model_list:
//	  - model_name: gpt-x
//	    litellm_params:
//	      model: azure/gpt-4o-deploy
//	      api_base: https://myresource.openai.azure.com
//	      api_key: os.environ/AZURE_API_KEY
//	      client_id: ...
//	      tenant_id: ...
//	      client_secret: ...
//	      extra_headers: {Ocp-Apim-Subscription-Key: abc}
func buildRoutingTable(raw map[string]any) (RoutingTable, error) {
	table := make(RoutingTable)

	list, _ := raw["model_list"].([]any)
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("model_list[%d]: expected a mapping", i)
		}

		name := stringField(entry, "model_name")
		if name == "" {
			return nil, fmt.Errorf("model_list[%d]: model_name is required", i)
		}
		if _, dup := table[name]; dup {
			return nil, fmt.Errorf("model_list[%d]: duplicate model_name %q", i, name)
		}

		params, _ := entry["litellm_params"].(map[string]any)
		backend := stringField(params, "model")
		if backend == "" {
			return nil, fmt.Errorf("model_list[%d] (%s): litellm_params.model is required", i, name)
		}

		re := RoutingEntry{
			ModelName:    name,
			BackendModel: backend,
			Family:       familyOf(backend),
			APIBase:      stringField(params, "api_base"),
			APIKey:       stringField(params, "api_key"),
			ExtraHeaders: headerField(params, "extra_headers"),
		}

		clientID := stringField(params, "client_id")
		tenantID := stringField(params, "tenant_id")
		clientSecret := stringField(params, "client_secret")
		staticToken := stringField(params, "azure_ad_token")
		if clientID != "" || tenantID != "" || clientSecret != "" || staticToken != "" {
			re.Credential = &CredentialParams{
				ClientID:     clientID,
				TenantID:     tenantID,
				ClientSecret: clientSecret,
				StaticToken:  staticToken,
			}
		}

		table[name] = re
	}

	return table, nil
}

// buildUserTable converts the raw user document into a UserTable.
//
// Document shape:
//
//	user_list:
//	  - user_token: sk-u1-token
//	    user_profile:
//	      id: u1
//	      project: p1
//	      org: o1
func buildUserTable(raw map[string]any) (UserTable, error) {
	table := make(UserTable)

	list, _ := raw["user_list"].([]any)
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("user_list[%d]: expected a mapping", i)
		}

		token := stringField(entry, "user_token")
		if token == "" {
			return nil, fmt.Errorf("user_list[%d]: user_token is required", i)
		}

		profile, _ := entry["user_profile"].(map[string]any)
		id := stringField(profile, "id")
		if id == "" {
			return nil, fmt.Errorf("user_list[%d]: user_profile.id is required", i)
		}

		table[token] = CallerProfile{
			ID:      id,
			Project: stringField(profile, "project"),
			Org:     stringField(profile, "org"),
		}
	}

	return table, nil
}

// familyOf resolves the provider family from the backend model's prefix.
func familyOf(backendModel string) Family {
	prefix := backendModel
	if i := strings.IndexByte(backendModel, '/'); i >= 0 {
		prefix = backendModel[:i]
	}
	switch strings.ToLower(prefix) {
	case "azure":
		return FamilyAzure
	case "anthropic":
		return FamilyAnthropic
	case "gemini":
		return FamilyGemini
	default:
		return FamilyOpenAI
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
}

func headerField(m map[string]any, key string) map[string]string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}

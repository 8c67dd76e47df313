package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nulpointcorp/tenant-gateway/pkg/apierr"
)

// writeConfig writes a YAML document to a temp file and returns its path.
func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const routingDoc = `
model_list:
  - model_name: gpt-x
    litellm_params:
      model: gpt-4
  - model_name: azure-gpt
    litellm_params:
      model: azure/gpt-4o-deploy
      api_base: https://myresource.openai.azure.com
      api_key: os.environ/TEST_AZURE_KEY
      client_id: cid
      tenant_id: tid
      client_secret: os.environ/TEST_AZURE_SECRET
      extra_headers:
        Ocp-Apim-Subscription-Key: sub-key
  - model_name: claude-x
    litellm_params:
      model: anthropic/claude-sonnet-4-5
      api_key: sk-ant-test
`

const userDoc = `
user_list:
  - user_token: sk-u1-token
    user_profile:
      id: u1
      project: p1
      org: o1
  - user_token: sk-u2-token
    user_profile:
      id: u2
`

func TestLoadRoutingTable_BasicEntries(t *testing.T) {
	t.Setenv("TEST_AZURE_KEY", "azkey")
	t.Setenv("TEST_AZURE_SECRET", "azsecret")

	r := New()
	path := writeConfig(t, "routing.yaml", routingDoc)

	table, err := r.LoadRoutingTable(path)
	if err != nil {
		t.Fatalf("LoadRoutingTable: %v", err)
	}
	if len(table) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(table))
	}

	plain := table["gpt-x"]
	if plain.BackendModel != "gpt-4" {
		t.Errorf("BackendModel = %q, want gpt-4", plain.BackendModel)
	}
	if plain.Family != FamilyOpenAI {
		t.Errorf("Family = %v, want FamilyOpenAI", plain.Family)
	}
	if plain.APIBase != "" || plain.APIKey != "" {
		t.Error("absent api_base/api_key must stay empty (inherit semantics)")
	}

	az := table["azure-gpt"]
	if az.Family != FamilyAzure {
		t.Errorf("Family = %v, want FamilyAzure", az.Family)
	}
	if az.StrippedBackendModel() != "gpt-4o-deploy" {
		t.Errorf("StrippedBackendModel = %q", az.StrippedBackendModel())
	}
	if az.APIKey != "azkey" {
		t.Errorf("APIKey = %q, want env-substituted azkey", az.APIKey)
	}
	if az.Credential == nil || az.Credential.ClientSecret != "azsecret" {
		t.Errorf("Credential = %+v, want substituted secret", az.Credential)
	}
	if az.ExtraHeaders["Ocp-Apim-Subscription-Key"] != "sub-key" {
		t.Errorf("ExtraHeaders = %v", az.ExtraHeaders)
	}

	if table["claude-x"].Family != FamilyAnthropic {
		t.Errorf("claude-x family = %v, want FamilyAnthropic", table["claude-x"].Family)
	}
}

func TestLoadRoutingTable_EmptyPathYieldsEmptyTable(t *testing.T) {
	r := New()
	table, err := r.LoadRoutingTable("")
	if err != nil {
		t.Fatalf("empty path must not error: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("expected empty table, got %d entries", len(table))
	}
}

func TestLoadRoutingTable_MissingFileIsConfigNotFound(t *testing.T) {
	r := New()
	_, err := r.LoadRoutingTable(filepath.Join(t.TempDir(), "nope.yaml"))
	var cnf *apierr.ConfigNotFound
	if !errors.As(err, &cnf) {
		t.Fatalf("expected ConfigNotFound, got %v", err)
	}
}

func TestLoadRoutingTable_DuplicateModelNameRejected(t *testing.T) {
	doc := `
model_list:
  - model_name: gpt-x
    litellm_params: {model: gpt-4}
  - model_name: gpt-x
    litellm_params: {model: gpt-4o}
`
	r := New()
	_, err := r.LoadRoutingTable(writeConfig(t, "dup.yaml", doc))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate model_name error, got %v", err)
	}
}

func TestLoadRoutingTable_MemoizedUntilInvalidate(t *testing.T) {
	r := New()
	path := writeConfig(t, "routing.yaml", `
model_list:
  - model_name: gpt-x
    litellm_params: {model: gpt-4}
`)

	if _, err := r.LoadRoutingTable(path); err != nil {
		t.Fatalf("first load: %v", err)
	}

	// Rewrite the file — the memoized table must still be served.
	if err := os.WriteFile(path, []byte(`
model_list:
  - model_name: gpt-y
    litellm_params: {model: gpt-4o}
`), 0o600); err != nil {
		t.Fatal(err)
	}

	table, err := r.LoadRoutingTable(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if _, ok := table["gpt-x"]; !ok {
		t.Fatal("expected memoized table with gpt-x")
	}

	r.Invalidate()

	table, err = r.LoadRoutingTable(path)
	if err != nil {
		t.Fatalf("post-invalidate load: %v", err)
	}
	if _, ok := table["gpt-y"]; !ok {
		t.Fatal("expected fresh table with gpt-y after Invalidate")
	}
}

func TestLoadUserTable(t *testing.T) {
	r := New()
	table, err := r.LoadUserTable(writeConfig(t, "users.yaml", userDoc))
	if err != nil {
		t.Fatalf("LoadUserTable: %v", err)
	}

	p, ok := table["sk-u1-token"]
	if !ok {
		t.Fatal("sk-u1-token missing")
	}
	if p.ID != "u1" || p.Project != "p1" || p.Org != "o1" {
		t.Errorf("profile = %+v", p)
	}

	// Optional fields may be absent.
	p2 := table["sk-u2-token"]
	if p2.ID != "u2" || p2.Project != "" || p2.Org != "" {
		t.Errorf("profile2 = %+v", p2)
	}
}

func TestRouteAndProfile_UseActiveSnapshot(t *testing.T) {
	r := New()
	if _, err := r.LoadRoutingTable(writeConfig(t, "routing.yaml", routingDoc)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadUserTable(writeConfig(t, "users.yaml", userDoc)); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Route("gpt-x"); !ok {
		t.Error("Route(gpt-x) should hit")
	}
	if _, ok := r.Route("unknown-model"); ok {
		t.Error("Route(unknown-model) should miss")
	}
	if _, ok := r.Profile("sk-u1-token"); !ok {
		t.Error("Profile(sk-u1-token) should hit")
	}
	if _, ok := r.Profile("sk-evil"); ok {
		t.Error("Profile(sk-evil) should miss")
	}
}

func TestModels_SortedLogicalNames(t *testing.T) {
	r := New()
	if _, err := r.LoadRoutingTable(writeConfig(t, "routing.yaml", routingDoc)); err != nil {
		t.Fatal(err)
	}

	got := r.Models()
	want := []string{"azure-gpt", "claude-x", "gpt-x"}
	if len(got) != len(want) {
		t.Fatalf("Models() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Models() = %v, want %v", got, want)
		}
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		backend string
		want    Family
	}{
		{"gpt-4", FamilyOpenAI},
		{"openai/gpt-4o", FamilyOpenAI},
		{"azure/gpt-4o-deploy", FamilyAzure},
		{"AZURE/gpt-4o-deploy", FamilyAzure},
		{"anthropic/claude-sonnet-4-5", FamilyAnthropic},
		{"gemini/gemini-2.0-flash", FamilyGemini},
		{"groq/llama3-70b-8192", FamilyOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			if got := familyOf(tt.backend); got != tt.want {
				t.Errorf("familyOf(%q) = %v, want %v", tt.backend, got, tt.want)
			}
		})
	}
}

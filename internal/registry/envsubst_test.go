package registry

import (
	"testing"
)

func TestExpandEnv_SetVariable(t *testing.T) {
	t.Setenv("FOO", "bar")

	got, changed := expandEnv("os.environ/FOO", 0)
	if got != "bar" {
		t.Errorf("got %q, want bar", got)
	}
	if !changed {
		t.Error("expected changed=true")
	}
}

func TestExpandEnv_UnsetVariableYieldsEmptyString(t *testing.T) {
	got, _ := expandEnv("os.environ/DEFINITELY_NOT_SET_ANYWHERE", 0)
	if got != "" {
		t.Errorf("got %q, want empty string", got)
	}
}

func TestExpandEnv_PlainStringsUntouched(t *testing.T) {
	got, changed := expandEnv("sk-literal-key", 0)
	if got != "sk-literal-key" || changed {
		t.Errorf("got %q (changed=%v), want unchanged", got, changed)
	}
}

func TestExpandEnv_NestedMapsAndSequences(t *testing.T) {
	t.Setenv("NESTED_KEY", "resolved")

	doc := map[string]any{
		"outer": map[string]any{
			"list": []any{
				"os.environ/NESTED_KEY",
				map[string]any{"inner": "os.environ/NESTED_KEY"},
				42,
			},
		},
	}

	out, changed := expandEnv(doc, 0)
	if !changed {
		t.Fatal("expected changed=true")
	}

	outer := out.(map[string]any)["outer"].(map[string]any)
	list := outer["list"].([]any)
	if list[0] != "resolved" {
		t.Errorf("list[0] = %v", list[0])
	}
	if inner := list[1].(map[string]any)["inner"]; inner != "resolved" {
		t.Errorf("inner = %v", inner)
	}
	if list[2] != 42 {
		t.Errorf("non-string values must pass through, got %v", list[2])
	}
}

func TestExpandEnv_DepthCapStopsSubstitution(t *testing.T) {
	t.Setenv("DEEP", "should-not-appear")

	// Build a value 11 maps deep; the string beyond the cap stays as-is.
	var value any = "os.environ/DEEP"
	for i := 0; i < 11; i++ {
		value = map[string]any{"k": value}
	}

	out, _ := expandEnv(value, 0)

	cur := out
	for i := 0; i < 11; i++ {
		cur = cur.(map[string]any)["k"]
	}
	if cur != "os.environ/DEEP" {
		t.Errorf("string below depth cap was substituted: %v", cur)
	}
}

func TestExpandEnv_WithinDepthCapResolves(t *testing.T) {
	t.Setenv("SHALLOW", "ok")

	var value any = "os.environ/SHALLOW"
	for i := 0; i < 5; i++ {
		value = map[string]any{"k": value}
	}

	out, _ := expandEnv(value, 0)

	cur := out
	for i := 0; i < 5; i++ {
		cur = cur.(map[string]any)["k"]
	}
	if cur != "ok" {
		t.Errorf("expected substitution within cap, got %v", cur)
	}
}

func TestExpandEnv_OriginalMapNotMutated(t *testing.T) {
	t.Setenv("IMMUT", "new")

	doc := map[string]any{"key": "os.environ/IMMUT"}
	out, _ := expandEnv(doc, 0)

	if doc["key"] != "os.environ/IMMUT" {
		t.Error("input document was mutated in place")
	}
	if out.(map[string]any)["key"] != "new" {
		t.Error("output document missing substitution")
	}
}

package formatter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zncore/vault-agent/internal/domain"
)

func TestRender_EnvFormat_ScenarioFromSpec(t *testing.T) {
	data := map[string]any{
		"DB_HOST": "db.local",
		"DB_PASS": "p\"w\nd",
	}

	out, err := Render(data, domain.FormatEnv, Options{EnvPrefix: "APP"})
	require.NoError(t, err)
	assert.Equal(t, "APP_DB_HOST=\"db.local\"\nAPP_DB_PASS=\"p\\\"w\\nd\"\n", string(out))
}

func TestRender_Env_PrefixEndingInUnderscoreIsNotDoubled(t *testing.T) {
	out, err := Render(map[string]any{"host": "x"}, domain.FormatEnv, Options{EnvPrefix: "APP_"})
	require.NoError(t, err)
	assert.Equal(t, "APP_HOST=\"x\"\n", string(out))
}

func TestRender_Env_NonStringIsJSONEncodedFirst(t *testing.T) {
	out, err := Render(map[string]any{"count": float64(3)}, domain.FormatEnv, Options{})
	require.NoError(t, err)
	assert.Equal(t, "COUNT=\"3\"\n", string(out))
}

func TestRender_Env_KeySafeForm(t *testing.T) {
	out, err := Render(map[string]any{"db-host.name": "x"}, domain.FormatEnv, Options{})
	require.NoError(t, err)
	assert.Equal(t, "DB_HOST_NAME=\"x\"\n", string(out))
}

func TestRender_JSON_PrettyPrintedWithTrailingNewline(t *testing.T) {
	out, err := Render(map[string]any{"a": "b"}, domain.FormatJSON, Options{})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": \"b\"\n}\n", string(out))
}

func TestRender_YAML_QuotesOnlyWhenNeeded(t *testing.T) {
	out, err := Render(map[string]any{
		"plain":   "value",
		"colon":   "a:b",
		"newline": "a\nb",
	}, domain.FormatYAML, Options{})
	require.NoError(t, err)
	assert.Equal(t, "colon: \"a:b\"\nnewline: \"a\\nb\"\nplain: value\n", string(out))
}

func TestRender_Raw_RequiresKeyOption(t *testing.T) {
	_, err := Render(map[string]any{"a": "b"}, domain.FormatRaw, Options{})
	assert.Error(t, err)

	out, err := Render(map[string]any{"a": "b"}, domain.FormatRaw, Options{RawKey: "a"})
	require.NoError(t, err)
	assert.Equal(t, "b", string(out))
}

func TestRender_Raw_MissingKeyErrors(t *testing.T) {
	_, err := Render(map[string]any{"a": "b"}, domain.FormatRaw, Options{RawKey: "missing"})
	assert.Error(t, err)
}

func TestRender_Template_SubstitutesAndLeavesMissingKeysAlone(t *testing.T) {
	out, err := Render(map[string]any{"host": "db.local"}, domain.FormatTemplate, Options{
		TemplateBody: "Host={{ host }} Port={{port}}",
	})
	require.NoError(t, err)
	assert.Equal(t, "Host=db.local Port={{port}}", string(out))
}

func TestRender_None_IsNeverInvoked(t *testing.T) {
	_, err := Render(map[string]any{"a": "b"}, domain.FormatNone, Options{})
	assert.Error(t, err)
}

func TestRender_UnknownFormat(t *testing.T) {
	_, err := Render(map[string]any{}, domain.OutputFormat("bogus"), Options{})
	assert.Error(t, err)
}

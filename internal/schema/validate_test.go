package schema_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/topchef/internal/schema"
)

const boundedValue = `{
	"type": "object",
	"properties": {
		"value": {"type": "integer", "minimum": 1, "maximum": 10}
	}
}`

func TestCompile_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"not json":     "{type:",
		"bad type":     `{"type": "banana"}`,
		"external ref": `{"$ref": "https://example.com/other.json"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := schema.Compile([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, schema.ErrInvalidSchema)
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	s, err := schema.Compile([]byte(boundedValue))
	require.NoError(t, err)

	assert.NoError(t, s.Validate([]byte(`{"value": 5}`)))
	assert.NoError(t, s.Validate([]byte(`{}`)))
	assert.NoError(t, s.Validate([]byte(`{"value": 10, "extra": "ok"}`)))
}

func TestValidate_Maximum(t *testing.T) {
	s, err := schema.Compile([]byte(boundedValue))
	require.NoError(t, err)

	err = s.Validate([]byte(`{"value": 11}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrValidationFailed))

	var vs schema.Violations
	require.ErrorAs(t, err, &vs)
	require.Len(t, vs, 1)
	assert.Equal(t, "/value", vs[0].Path)
	assert.Equal(t, "maximum", vs[0].Keyword)
	assert.NotEmpty(t, vs[0].Message)
	assert.Contains(t, err.Error(), "/value")
	assert.Contains(t, err.Error(), "maximum")
}

func TestValidate_Keywords(t *testing.T) {
	s, err := schema.Compile([]byte(`{
		"type": "object",
		"required": ["name", "items"],
		"properties": {
			"name": {"type": "string"},
			"ratio": {"type": "number", "minimum": 0},
			"enabled": {"type": "boolean"},
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {"id": {"type": "integer"}}
				}
			}
		}
	}`))
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		path    string
		keyword string
	}{
		{"missing required", `{"items": []}`, "/", "required"},
		{"wrong string type", `{"name": 1, "items": []}`, "/name", "type"},
		{"number below minimum", `{"name": "a", "items": [], "ratio": -0.5}`, "/ratio", "minimum"},
		{"boolean type", `{"name": "a", "items": [], "enabled": "yes"}`, "/enabled", "type"},
		{"nested array item", `{"name": "a", "items": [{"id": 1}, {"id": "x"}]}`, "/items/1/id", "type"},
		{"nested required", `{"name": "a", "items": [{}]}`, "/items/0", "required"},
		{"root type", `[]`, "/", "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vs schema.Violations
			require.ErrorAs(t, s.Validate([]byte(tt.payload)), &vs)
			require.NotEmpty(t, vs)
			assert.Equal(t, tt.path, vs[0].Path)
			assert.Equal(t, tt.keyword, vs[0].Keyword)
		})
	}
}

func TestValidate_IntegerIsExact(t *testing.T) {
	s, err := schema.Compile([]byte(`{"type": "integer"}`))
	require.NoError(t, err)

	assert.NoError(t, s.Validate([]byte(`9007199254740993`)))
	assert.Error(t, s.Validate([]byte(`1.5`)))
}

func TestValidate_NotJSON(t *testing.T) {
	s, err := schema.Compile([]byte(boundedValue))
	require.NoError(t, err)

	for _, payload := range []string{"", "{", `{"value": 1} trailing`} {
		var vs schema.Violations
		require.ErrorAs(t, s.Validate([]byte(payload)), &vs, "payload %q", payload)
		require.Len(t, vs, 1)
		assert.Equal(t, "/", vs[0].Path)
		assert.Equal(t, "json", vs[0].Keyword)
	}
}

func TestValidate_DeterministicOrder(t *testing.T) {
	s, err := schema.Compile([]byte(`{
		"type": "object",
		"properties": {
			"a": {"type": "integer", "maximum": 1},
			"b": {"type": "integer", "maximum": 1},
			"c": {"type": "integer", "maximum": 1}
		}
	}`))
	require.NoError(t, err)

	payload := []byte(`{"c": 5, "a": 5, "b": 5}`)
	first := s.Validate(payload)
	require.Error(t, first)

	var vs schema.Violations
	require.ErrorAs(t, first, &vs)
	require.Len(t, vs, 3)
	assert.Equal(t, []string{"/a", "/b", "/c"}, []string{vs[0].Path, vs[1].Path, vs[2].Path})

	for range 20 {
		assert.Equal(t, first.Error(), s.Validate(payload).Error())
	}
	assert.True(t, strings.HasPrefix(first.Error(), "validation failed with 3 errors"))
}

func TestValidate_Concurrent(t *testing.T) {
	s := schema.MustCompile([]byte(boundedValue))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			if i%2 == 0 {
				assert.NoError(t, s.Validate([]byte(`{"value": 3}`)))
			} else {
				assert.Error(t, s.Validate([]byte(`{"value": 30}`)))
			}
		})
	}
	wg.Wait()
}

func TestValidateConvenience(t *testing.T) {
	assert.NoError(t, schema.Validate([]byte(`{"x": 1}`), schema.DefaultResultSchema))
	assert.ErrorIs(t, schema.Validate([]byte(`"str"`), schema.DefaultResultSchema), schema.ErrValidationFailed)
	assert.ErrorIs(t, schema.Validate([]byte(`{}`), []byte(`nope`)), schema.ErrInvalidSchema)
}

func TestViolationsStrings(t *testing.T) {
	vs := schema.Violations{
		{Path: "/value", Keyword: "maximum", Message: "must be <= 10 but found 11"},
	}
	assert.Equal(t, []string{"/value: must be <= 10 but found 11 (maximum)"}, vs.Strings())
	assert.Equal(t, "/value: must be <= 10 but found 11 (maximum)", vs.Error())
}

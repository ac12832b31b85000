package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/badgekeeper/internal/types"
)

const goodRule = `{"id":"rule-001","name":"big-purchase","version":"1","root":{"type":"group","operator":"AND","children":[
{"type":"condition","field":"event.type","operator":"eq","value":"PURCHASE"},
{"type":"condition","field":"order.amount","operator":"gte","value":100}]}}`

const badRule = `{"id":"broken","root":{"type":"condition","field":"a","operator":"between","value":[9,1]}}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseRules(t *testing.T) {
	single, err := parseRules([]byte(goodRule))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, types.RuleID("rule-001"), single[0].ID)

	many, err := parseRules([]byte("[" + goodRule + "," + badRule + "]"))
	require.NoError(t, err)
	assert.Len(t, many, 2)

	_, err = parseRules([]byte(`[{"id":"x"}]`))
	assert.ErrorIs(t, err, types.ErrParse)
	assert.Contains(t, err.Error(), "rule 0")

	_, err = parseRules([]byte(`[`))
	assert.ErrorIs(t, err, types.ErrParse)
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "good.json", goodRule)
	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+": rule-001")

	bad := writeFile(t, "bad.json", badRule)
	out, err = run(t, "validate", good, bad)
	assert.ErrorIs(t, err, errInvalidRules)
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, out, "low bound exceeds high")
}

func TestEvalCommand(t *testing.T) {
	ruleFile := writeFile(t, "rule.json", goodRule)
	eventFile := writeFile(t, "event.json", `{"event":{"type":"PURCHASE"},"order":{"amount":250}}`)

	out, err := run(t, "eval", "--rule", ruleFile, "--event", eventFile)
	require.NoError(t, err)

	var results []struct {
		RuleID  string   `json:"rule_id"`
		Matched bool     `json:"matched"`
		Trace   []string `json:"evaluation_trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "rule-001", results[0].RuleID)
	assert.True(t, results[0].Matched)
	assert.NotEmpty(t, results[0].Trace)
}

func TestEvalCommand_RequireFields(t *testing.T) {
	t.Cleanup(func() { _ = evalCmd.Flags().Set("require-fields", "false") })
	ruleFile := writeFile(t, "rule.json", goodRule)
	eventFile := writeFile(t, "event.json", `{"event":{"type":"PURCHASE"}}`)

	out, err := run(t, "eval", "--rule", ruleFile, "--event", eventFile)
	require.NoError(t, err)
	assert.Contains(t, out, `"matched": false`)

	_, err = run(t, "eval", "--rule", ruleFile, "--event", eventFile, "--require-fields")
	assert.ErrorIs(t, err, types.ErrFieldNotFound)
	assert.ErrorContains(t, err, "order.amount")
}

func TestEvalCommand_BothStdin(t *testing.T) {
	_, err := run(t, "eval", "--rule", "-", "--event", "-")
	assert.ErrorContains(t, err, "cannot both read stdin")
}

func TestMigrateImportList(t *testing.T) {
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "bk.db")
	common := []string{"--db-url", dbURL, "--log-level", "error"}

	ruleFile := writeFile(t, "rule.json", goodRule)
	_, err := run(t, append([]string{"rules", "import", ruleFile}, common...)...)
	assert.ErrorContains(t, err, "not applied", "import must refuse an unmigrated database")

	out, err := run(t, append([]string{"migrate"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "applied 001_initial_schema")

	out, err = run(t, append([]string{"migrate"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "database is up to date")

	out, err = run(t, append([]string{"rules", "import", ruleFile}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "imported rule-001")

	badFile := writeFile(t, "bad.json", badRule)
	_, err = run(t, append([]string{"rules", "import", badFile}, common...)...)
	assert.ErrorIs(t, err, types.ErrCompile)

	out, err = run(t, append([]string{"rules", "list"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "rule-001")
	assert.Contains(t, out, "big-purchase")
	assert.NotContains(t, out, "broken")

	anonymous := writeFile(t, "anon.json", `{"name":"no-id","version":"1","root":{"type":"condition","field":"a","operator":"eq","value":1}}`)
	out, err = run(t, append([]string{"rules", "import", anonymous}, common...)...)
	require.NoError(t, err)
	m := regexp.MustCompile(`imported ([0-9a-f-]{36}) `).FindStringSubmatch(out)
	require.Len(t, m, 2, "import output %q", out)
	assert.False(t, types.IDTime(m[1]).IsZero(), "assigned id must be a UUIDv7")

	out, err = run(t, append([]string{"rules", "list"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, m[1])
	assert.Contains(t, out, "no-id")

	out, err = run(t, append([]string{"rules", "delete", "rule-001", "missing"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted rule-001")
	assert.Contains(t, out, "not found missing")
}

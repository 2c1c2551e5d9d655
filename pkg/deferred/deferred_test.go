package deferred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiftyToolCatalog() []Tool {
	servers := []string{"fs", "gh", "db"}
	var out []Tool
	for i := 0; i < 50; i++ {
		out = append(out, Tool{
			ServerID:    servers[i%len(servers)],
			Name:        toolName(i),
			Description: "does something with " + toolName(i),
		})
	}
	return out
}

func toolName(i int) string {
	names := []string{"read_file", "write_file", "list_files", "create_issue", "query_rows"}
	return names[i%len(names)] + itoa(i)
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}

func TestSearch_ActivatesAtLeastMinimum(t *testing.T) {
	l := New(fiftyToolCatalog())
	set := NewActivationSet()

	// A limit of 0 falls back to DefaultLimit, which is above the floor, so
	// even a query matching nothing activates DefaultLimit tools.
	results := l.Search(set, "zzz-no-match", 0)
	require.Len(t, results, DefaultLimit)
	assert.Equal(t, DefaultLimit, set.Len())
}

func TestSearch_LimitIsRespectedAboveMinimum(t *testing.T) {
	l := New(fiftyToolCatalog())
	set := NewActivationSet()

	results := l.Search(set, "read", 5)
	assert.LessOrEqual(t, len(results), 5)
}

func TestSearch_Idempotent(t *testing.T) {
	l := New(fiftyToolCatalog())
	set := NewActivationSet()

	first := l.Search(set, "read", 5)
	countAfterFirst := set.Len()
	second := l.Search(set, "read", 5)
	countAfterSecond := set.Len()

	assert.Equal(t, countAfterFirst, countAfterSecond, "searching the same query twice must not double-activate")
	assert.Equal(t, len(first), len(second))
}

func TestEnsureActivated_SafetyNet(t *testing.T) {
	catalog := []Tool{{ServerID: "fs", Name: "read_file0", Description: "reads a file"}}
	l := New(catalog)
	set := NewActivationSet()

	assert.False(t, set.Contains("fs", "read_file0"))
	found := l.EnsureActivated(set, "fs", "read_file0")
	assert.True(t, found)
	assert.True(t, set.Contains("fs", "read_file0"))
}

func TestEnsureActivated_UnknownToolNotFound(t *testing.T) {
	l := New(fiftyToolCatalog())
	set := NewActivationSet()
	found := l.EnsureActivated(set, "nope", "nope")
	assert.False(t, found)
}

func TestRank_ExactNameMatchRanksFirst(t *testing.T) {
	catalog := []Tool{
		{ServerID: "fs", Name: "read_file", Description: "reads a file from disk"},
		{ServerID: "fs", Name: "write_file", Description: "writes a file to disk"},
		{ServerID: "gh", Name: "create_issue", Description: "opens a tracker issue"},
	}
	// A limit below MinActivations is raised to the floor.
	ranked := rank(catalog, "read_file", 1)
	require.Len(t, ranked, MinActivations)
	assert.Equal(t, "read_file", ranked[0].Name)
}

package catalogmerge

import (
	"encoding/json"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceRoundTrip(t *testing.T) {
	f := func(server, name string) bool {
		if server == "" {
			server = "s"
		}
		ns := ApplyNamespace(server, name)
		gotServer, gotName, ok := ParseNamespace(ns)
		if !ok {
			return false
		}
		return gotServer == server && gotName == name
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestParseNamespace_NoSeparatorIsNone(t *testing.T) {
	for _, s := range []string{"", "read_file", "fs_read_file", "fs_tool"} {
		_, _, ok := ParseNamespace(s)
		assert.False(t, ok, "expected %q to have no namespace", s)
	}
}

func TestMergeList_DeterministicOrder(t *testing.T) {
	mk := func(server, name string) NamedItem {
		return NamedItem{
			ServerID:     server,
			OriginalName: name,
			Rewrite: func(ns string) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"name": ns})
			},
		}
	}

	items := []NamedItem{
		mk("gh", "create_issue"),
		mk("fs", "write_file"),
		mk("fs", "read_file"),
	}

	merged, err := MergeList(items)
	require.NoError(t, err)
	require.Len(t, merged, 3)

	var names []string
	for _, raw := range merged {
		var v struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(raw, &v))
		names = append(names, v.Name)
	}

	assert.Equal(t, []string{"fs__read_file", "fs__write_file", "gh__create_issue"}, names)
}

func TestMergeInitialize_MinVersion(t *testing.T) {
	merged := MergeInitialize([]BackendInit{
		{ServerID: "a", ProtocolVersion: "2024-11-05"},
		{ServerID: "b", ProtocolVersion: "2025-03-26"},
	})
	assert.Equal(t, "2024-11-05", merged.ProtocolVersion)
	assert.Equal(t, GatewayServerName, merged.ServerName)
}

func TestMergeInitialize_NoBackendsFallsBack(t *testing.T) {
	merged := MergeInitialize(nil)
	assert.Equal(t, FallbackProtocolVersion, merged.ProtocolVersion)
}

func TestMergeInitialize_CapabilitiesAreOred(t *testing.T) {
	merged := MergeInitialize([]BackendInit{
		{ServerID: "a", ProtocolVersion: "2024-11-05", Capabilities: Capabilities{ToolsListChanged: true}},
		{ServerID: "b", ProtocolVersion: "2024-11-05", Capabilities: Capabilities{Logging: true}},
	})
	assert.True(t, merged.Capabilities.ToolsListChanged)
	assert.True(t, merged.Capabilities.Logging)
	assert.False(t, merged.Capabilities.ResourcesSubscribe)
}

func TestMergeInitialize_DescriptionListsFailed(t *testing.T) {
	merged := MergeInitialize([]BackendInit{
		{ServerID: "fs", ProtocolVersion: "2024-11-05"},
		{ServerID: "gh", Failed: true, FailReason: "timeout"},
	})
	assert.Contains(t, merged.Description, "fs")
	assert.Contains(t, merged.Description, "gh")
	assert.Contains(t, merged.Description, "unreachable")
}

package fedsync_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fedsync"
	"github.com/absmach/fedsync/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterConfig = `
[node]
id = "10.0.0.2:7070"
leader = "10.0.0.1:7070"
other_leaders = ["10.0.1.1:7070"]

[[peers]]
id = "10.0.0.1:7070"
delay = "25ms"

[[peers]]
id = "10.0.0.3:7070"
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fedsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(clusterConfig), 0o600))

	cfg, err := fedsync.LoadConfig(path)
	require.NoError(t, err)

	topo, err := cfg.Topology()
	require.NoError(t, err)
	assert.Equal(t, node.Topology{
		Self:   "10.0.0.2:7070",
		Leader: "10.0.0.1:7070",
		Peers: []node.Peer{
			{ID: "10.0.0.1:7070", Delay: 25 * time.Millisecond},
			{ID: "10.0.0.3:7070"},
		},
		Leaders: []string{"10.0.1.1:7070"},
	}, topo)
	assert.Equal(t, node.FollowerRole, topo.Role())
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := fedsync.LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestTopologyErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc     string
		data     string
		parseErr bool
	}{
		{
			desc:     "malformed toml",
			data:     `[node`,
			parseErr: true,
		},
		{
			desc: "missing id",
			data: "[node]\nleader = \"a\"\n",
		},
		{
			desc: "unknown leader",
			data: "[node]\nid = \"a\"\nleader = \"z\"\n[[peers]]\nid = \"b\"\n",
		},
		{
			desc: "bad delay",
			data: "[node]\nid = \"a\"\nleader = \"a\"\n[[peers]]\nid = \"b\"\ndelay = \"soon\"\n",
		},
		{
			desc: "negative delay",
			data: "[node]\nid = \"a\"\nleader = \"a\"\n[[peers]]\nid = \"b\"\ndelay = \"-1s\"\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			cfg, err := fedsync.ParseConfig([]byte(tc.data))
			if tc.parseErr {
				assert.Error(t, err)

				return
			}
			require.NoError(t, err)
			_, err = cfg.Topology()
			assert.ErrorIs(t, err, node.ErrInvalidTopology)
		})
	}
}

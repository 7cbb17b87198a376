package config

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/txn/isolation"
)

func TestDefaultConfValid(t *testing.T) {
	c := DefaultConf
	require.NoError(t, c.Validate())
	assert.Equal(t, 10*time.Second, c.LockWaitTimeout())
}

func TestValidate(t *testing.T) {
	c := DefaultConf
	c.LockTableShards = 0
	require.Error(t, c.Validate())

	c = DefaultConf
	c.LockWaitMillis = -1
	require.Error(t, c.Validate())

	c = DefaultConf
	c.DefaultIsolation = "chaos"
	require.Error(t, c.Validate())

	c = DefaultConf
	c.LockEscalationThreshold = 0
	require.NoError(t, c.Validate())
}

func TestParseIsolation(t *testing.T) {
	cases := map[string]isolation.Level{
		"read-uncommitted":        isolation.ReadUncommitted,
		"read-committed":          isolation.ReadCommitted,
		"read-committed-snapshot": isolation.ReadCommittedSnapshot,
		"repeatable-read":         isolation.RepeatableRead,
		"serializable":            isolation.Serializable,
		"snapshot":                isolation.Snapshot,
		" Snapshot ":              isolation.Snapshot,
	}
	for name, want := range cases {
		got, err := ParseIsolation(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseIsolation("dirty")
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	f, err := ioutil.TempFile("", "tinytxn-conf")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString("lock-wait-millis = 50\ndefault-isolation = \"serializable\"\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := Load(f.Name())
	require.NoError(t, err)
	assert.Equal(t, 50, c.LockWaitMillis)
	assert.Equal(t, "serializable", c.DefaultIsolation)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultConf.LockTableShards, c.LockTableShards)
}

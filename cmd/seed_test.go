package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSeedSetBuild(t *testing.T) {
	var set seedSet
	require.NoError(t, yaml.Unmarshal([]byte(`
senders:
  - id: s1
    address: " Maya@Owned.IO "
    daily_cap: 12
  - id: s2
    address: ops@owned.io
    active: false
domains:
  - domain: Owned.IO
    daily_cap: 30
`), &set))

	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	senders, domains, err := set.build(now)
	require.NoError(t, err)
	require.Len(t, senders, 2)

	assert.Equal(t, "maya@owned.io", senders[0].Address)
	assert.Equal(t, "owned.io", senders[0].Domain)
	assert.True(t, senders[0].Active)
	assert.Equal(t, now, *senders[0].WarmupStart)
	assert.False(t, senders[1].Active)

	require.Len(t, domains, 1)
	assert.Equal(t, "owned.io", domains[0].Domain)
}

func TestSeedSetRejectsBadRows(t *testing.T) {
	_, _, err := seedSet{Senders: []seedSender{{ID: "s1", Address: "nope"}}}.build(time.Now())
	assert.Error(t, err)

	_, _, err = seedSet{Domains: []seedDomain{{Domain: "owned.io"}}}.build(time.Now())
	assert.Error(t, err)

	_, _, err = demoSeed.build(time.Now())
	assert.NoError(t, err)
}

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatementsDropsCommentsAndBlanks(t *testing.T) {
	script := `-- analytics
CREATE DATABASE IF NOT EXISTS outreach;

CREATE TABLE IF NOT EXISTS outreach.t
(
    id Int64
)
ENGINE = MergeTree ORDER BY id;
`
	got := splitStatements(script)
	assert.Len(t, got, 2)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS outreach", got[0])
	assert.Contains(t, got[1], "ENGINE = MergeTree ORDER BY id")
}

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldV, oldSHA, oldBuild := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldBuild })

	assert.Equal(t, "opcn2 dev (commit unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2024-05-01T12:00:00Z"
	assert.Equal(t, "opcn2 1.2.0 (commit abc123, built 2024-05-01T12:00:00Z)", String())
}

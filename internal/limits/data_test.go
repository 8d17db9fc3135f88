// ABOUTME: Tests for loading and validating the TOML admission-rules file.

package limits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLimits(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeLimits(t, `
[cooldowns]
mine = "2s"
pillage = "5m"

[concurrency]
mine = 1
fish = 3
`)

	d, err := Load(path)
	require.NoError(t, err)

	rates := d.CooldownRates()
	assert.Equal(t, 2*time.Second, rates["mine"])
	assert.Equal(t, 5*time.Minute, rates["pillage"])
	assert.Equal(t, 1, d.Concurrency["mine"])
	assert.Equal(t, 3, d.Concurrency["fish"])
}

func TestLoad_EmptyTablesAreFine(t *testing.T) {
	d, err := Load(writeLimits(t, ""))
	require.NoError(t, err)
	assert.Empty(t, d.CooldownRates())
	assert.Empty(t, d.Concurrency)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"zero cap":     "[concurrency]\nmine = 0\n",
		"negative cap": "[concurrency]\nmine = -2\n",
		"bad duration": "[cooldowns]\nmine = \"soon\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeLimits(t, content))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

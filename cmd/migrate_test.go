package cmd

import (
	"bytes"
	"context"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestMigrateCommand(t *testing.T) {
	originalCfg := cfg
	t.Cleanup(
		func() {
			cfg = originalCfg
			migrateCmd.SetOut(nil)
		},
	)

	dbPath := filepath.Join(t.TempDir(), "db", "cases.sqlite3")
	cfg = spamubot.DefaultConfig()
	cfg.Database = dbPath

	var out bytes.Buffer
	migrateCmd.SetOut(&out)
	migrateCmd.SetContext(context.Background())
	require.NoError(t, migrateCmd.RunE(migrateCmd, nil))

	assert.Contains(t, out.String(), "Database ready")
	_, err := os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestMigrateCommand_MissingDatabase(t *testing.T) {
	originalCfg := cfg
	t.Cleanup(
		func() {
			cfg = originalCfg
		},
	)
	cfg = spamubot.DefaultConfig()
	cfg.Database = ""

	assert.Error(t, migrateCmd.RunE(migrateCmd, nil))
}

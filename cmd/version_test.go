package cmd

import (
	"bytes"
	"fmt"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := spamubot.Version
	originalCommitSHA := spamubot.CommitSHA
	originalBuildTime := spamubot.BuildTime

	t.Cleanup(
		func() {
			spamubot.Version = originalVersion
			spamubot.CommitSHA = originalCommitSHA
			spamubot.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	spamubot.Version = "1.0.0"
	spamubot.CommitSHA = "abc123"
	spamubot.BuildTime = "2024-08-01T12:00:00Z"

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s\n",
		spamubot.Version,
		spamubot.CommitSHA,
		spamubot.BuildTime,
	)
	assert.Equal(t, expected, buf.String())
}

package cmd

import (
	"bytes"
	"errors"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

// scriptedReader returns each of the given passwords in turn
func scriptedReader(passwords ...string) passwordReader {
	i := 0
	return func() ([]byte, error) {
		if i >= len(passwords) {
			return nil, errors.New("no more input")
		}
		p := passwords[i]
		i++
		return []byte(p), nil
	}
}

func setPasswordReader(t *testing.T, r passwordReader) {
	t.Helper()
	orig := customPasswordReader
	customPasswordReader = r
	t.Cleanup(
		func() {
			customPasswordReader = orig
			hashPasswordCmd.SetOut(nil)
			hashPasswordCmd.SetErr(nil)
		},
	)
}

func TestHashPasswordCommand(t *testing.T) {
	setPasswordReader(t, scriptedReader("hunter2", "hunter3", "hunter2", "hunter2"))

	var out, prompts bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetErr(&prompts)
	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))

	assert.Contains(t, prompts.String(), "Passwords do not match")

	hashed := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"), hashed)

	ok, err := spamubot.VerifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashPasswordCommand_EmptyPassword(t *testing.T) {
	setPasswordReader(t, scriptedReader("", "", "secret", "secret"))

	var out, prompts bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetErr(&prompts)
	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))

	assert.Contains(t, prompts.String(), "Password cannot be empty")
	ok, err := spamubot.VerifyPassword(strings.TrimSpace(out.String()), "secret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashPasswordCommand_TooManyMismatches(t *testing.T) {
	setPasswordReader(t, scriptedReader("a", "b", "c", "d", "e", "f"))

	var out, prompts bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetErr(&prompts)
	err := hashPasswordCmd.RunE(hashPasswordCmd, nil)
	assert.ErrorIs(t, err, errPasswordMismatch)
	assert.Empty(t, out.String())
}

func TestHashPasswordCommand_ReadError(t *testing.T) {
	setPasswordReader(t, scriptedReader())

	var out bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetErr(&bytes.Buffer{})
	require.Error(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))
	assert.Empty(t, out.String())
}

func TestReadPasswordLine(t *testing.T) {
	password, err := readPasswordLine(strings.NewReader("correct horse\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "correct horse", password)

	password, err = readPasswordLine(strings.NewReader("no newline"))
	require.NoError(t, err)
	assert.Equal(t, "no newline", password)

	_, err = readPasswordLine(strings.NewReader("\n"))
	assert.ErrorIs(t, err, errEmptyPassword)
}

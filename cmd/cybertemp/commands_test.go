package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cybertemp/agent/internal/auth"
	"cybertemp/agent/internal/domain"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func TestExtractCommand(t *testing.T) {
	t.Run("从标准输入识别验证码", func(t *testing.T) {
		out, err := runRoot(t, "<p>Your verification code: <b>482913</b></p>", "extract")
		require.NoError(t, err)
		assert.Equal(t, "482913\n", out)
	})

	t.Run("没有验证码时返回错误", func(t *testing.T) {
		_, err := runRoot(t, "Welcome aboard!", "extract", "-")
		assert.ErrorIs(t, err, errNoCode)
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cybertemp dev")
}

func TestPrintMessages(t *testing.T) {
	t.Run("空收件箱", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printMessages(&buf, nil))
		assert.Equal(t, "inbox is empty\n", buf.String())
	})

	t.Run("输出验证码列", func(t *testing.T) {
		var buf bytes.Buffer
		msgs := []domain.Message{
			{ID: "101", From: "noreply@github.com", Subject: "Your code", Text: "code: 3344"},
			{ID: "100", Subject: ""},
		}
		require.NoError(t, printMessages(&buf, msgs))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[1], "noreply@github.com")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), "3344"))
		assert.Contains(t, lines[2], "Unknown Sender")
		assert.Contains(t, lines[2], "(no subject)")
	})
}

func TestTokenCommand(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "agent.secret")
	t.Setenv("CYBERTEMP_AUTH_SECRET_FILE", secretFile)

	out, err := runRoot(t, "", "token", "--client", "chrome")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	secret, err := auth.LoadOrCreateSecret(secretFile)
	require.NoError(t, err)
	tokens, err := auth.NewManager(secret, 0)
	require.NoError(t, err)

	claims, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "chrome", claims.Client)
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"cybertemp/agent/internal/auth"
	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/storage/filesystem"
)

// secretFileName 默认签名密钥文件名，位于数据目录下
const secretFileName = "agent.secret"

var clientFlag string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token for the extension to call the agent",
	Long: `Token prints a signed token for the popup and content scripts.

The extension sends it as "Authorization: Bearer <token>" on /v1/command
and as the "token" query parameter (or an AUTH message) on /v1/ws.
The signing secret is created on first use; deleting it revokes every
issued token.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		tokens, err := newTokenManager(cfg)
		if err != nil {
			return err
		}
		token, err := tokens.Issue(clientFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&clientFlag, "client", "extension", "Client name recorded in the token")
	rootCmd.AddCommand(tokenCmd)
}

// secretPath 返回签名密钥文件路径
func secretPath(cfg *config.Config) string {
	if cfg.Auth.SecretFile != "" {
		return filesystem.NormalizePath(cfg.Auth.SecretFile)
	}
	dir := filesystem.DefaultDir()
	if cfg.Storage.Path != "" {
		dir = filesystem.NormalizePath(cfg.Storage.Path)
	}
	return filepath.Join(dir, secretFileName)
}

// newTokenManager 读取或生成签名密钥并创建令牌管理器
func newTokenManager(cfg *config.Config) (*auth.Manager, error) {
	path := secretPath(cfg)
	if err := filesystem.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid auth.secret_file: %w", err)
	}
	secret, err := auth.LoadOrCreateSecret(path)
	if err != nil {
		return nil, err
	}
	return auth.NewManager(secret, cfg.Auth.TokenTTL)
}

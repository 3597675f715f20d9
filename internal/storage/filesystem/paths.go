package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// StateFileName 状态文件名
const StateFileName = "state.json"

// ValidatePath 验证路径是否安全
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if len(path) > maxPathLength() {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	// 检查是否包含路径遍历
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// NormalizePath 转换为绝对路径并清理
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "~"+string(filepath.Separator)) || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return filepath.Clean(absPath)
}

// DefaultDir 返回平台默认的数据目录
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cybertemp")
	}
	return filepath.Join(os.TempDir(), "cybertemp")
}

func maxPathLength() int {
	switch runtime.GOOS {
	case "windows":
		// 为兼容性使用保守值
		return 200
	default:
		return 400
	}
}

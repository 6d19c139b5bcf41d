package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode tells whether the controller runs as a system service or for a
// single user; it decides where the store and key live.
type ExecMode string

const (
	ExecModeUser   ExecMode = "user"
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds the paths derived from the execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	DataDir string // encrypted store and key
	LogDir  string
	IsRoot  bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			DataDir: "/var/lib/hs3guard",
			LogDir:  "/var/log/hs3guard",
			IsRoot:  true,
		}
	}
	return userModeConfig(GetRealUserHome(), false)
}

// GetUserModeConfig returns user mode paths regardless of euid, resolving the
// invoking user's home under sudo.
func GetUserModeConfig() *ExecModeConfig {
	return userModeConfig(GetRealUserHome(), os.Geteuid() == 0)
}

func userModeConfig(home string, isRoot bool) *ExecModeConfig {
	base := filepath.Join(home, ".hs3guard")
	return &ExecModeConfig{
		Mode:    ExecModeUser,
		DataDir: base,
		LogDir:  filepath.Join(base, "logs"),
		IsRoot:  isRoot,
	}
}

func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running
// under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// maxDeployLogBytes caps the log tail returned to callers.
const maxDeployLogBytes = 64 * 1024

// DeployConfig holds the settings shared by every provider's Deploy.
type DeployConfig struct {
	Domain       string
	BuildCommand string
	Timeout      time.Duration
}

// Result turns a finished build into a DeployResult.
func (d DeployConfig) Result(appName string, exitCode int, logs string) *DeployResult {
	logs = tail(logs, maxDeployLogBytes)
	if exitCode != 0 {
		return &DeployResult{
			Logs:  logs,
			Error: fmt.Sprintf("build command %q exited with code %d", d.BuildCommand, exitCode),
		}
	}
	return &DeployResult{
		URL:  fmt.Sprintf("https://%s.%s", appName, strings.TrimPrefix(d.Domain, ".")),
		Logs: logs,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ShellQuote wraps s in single quotes for /bin/sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// internal/security/gate.go
package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmroz/taskpilot/internal/config"
)

// Tier is the classified risk level of a shell command.
type Tier string

const (
	TierSafe      Tier = "safe"
	TierCaution   Tier = "caution"
	TierDangerous Tier = "dangerous"
	// TierBlocked is reserved for the global kill switch. No command
	// content ever maps to it on its own.
	TierBlocked Tier = "blocked"
)

// Verdict is the gate's advisory output. The gate never executes
// anything; the dispatcher decides what a verdict means for confirmation.
type Verdict struct {
	Tier      Tier
	Rationale string
}

// Gate classifies commands by risk. Classification is a pure function of
// the command string: identical inputs always yield identical verdicts.
type Gate struct {
	killSwitch   bool
	dangerous    []string
	caution      []string
	allowedPaths []string
}

// Destructive or irreversible operation signatures. Substring matches on
// the lower-cased command, same as the original validator's pattern set.
var dangerousPatterns = []string{
	"rm -rf /", "rm -rf /*", "rm -fr /", "rm -rf ~", "rm -rf .",
	"dd if=", "dd of=/dev/", "mkfs", "fdisk", "wipefs", "shred",
	"> /dev/sd", "of=/dev/sd",
	"passwd root", "usermod -p", "chpasswd",
	"crontab -r", "history -c",
	"iptables -f", "iptables -x", "ufw --force disable",
	"reboot", "shutdown", "halt", "poweroff",
	"umount /", "mount /dev",
	"find / -delete", "find / -exec rm",
}

// Fork-bomb style constructs need a regex; the classic form has no stable
// substring once whitespace varies.
var forkBombRegex = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`)

// Broad filesystem or privilege changes without explicit destructive
// intent.
var cautionPatterns = []string{
	"sudo su", "su root", "sudo -i", "sudo -s",
	"chmod 777", "chmod -r", "chmod u+s", "chmod g+s",
	"chown root", "chown -r", "chgrp root",
	"systemctl stop", "systemctl disable", "service stop",
	"pkill -9", "killall -9", "kill -9",
	"mount -t nfs", "ssh-copy-id",
	"curl ", "wget ",
	"eval ", "bash -c", "sh -c",
}

// Interactive commands hang a non-interactive session; the model is told
// to avoid them, so they surface as caution with a specific rationale.
var interactiveCommands = []string{
	"vi", "vim", "nano", "emacs", "less", "more", "top", "htop", "mc", "passwd",
}

// NewGate builds a gate from configuration. Extra dangerous patterns from
// config extend the built-in set.
func NewGate(cfg config.SecurityConfig) *Gate {
	g := &Gate{
		killSwitch:   cfg.KillSwitch,
		dangerous:    dangerousPatterns,
		caution:      cautionPatterns,
		allowedPaths: cfg.AllowedPaths,
	}
	for _, p := range cfg.ExtraDangerous {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			g.dangerous = append(g.dangerous, p)
		}
	}
	return g
}

// Classify returns the risk verdict for a command string. Deterministic
// and side-effect free.
func (g *Gate) Classify(command string) Verdict {
	if g.killSwitch {
		return Verdict{Tier: TierBlocked, Rationale: "command execution is disabled by the kill switch"}
	}

	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{Tier: TierCaution, Rationale: "empty command"}
	}
	lower := strings.ToLower(trimmed)

	if forkBombRegex.MatchString(trimmed) {
		return Verdict{Tier: TierDangerous, Rationale: "fork-bomb construct"}
	}
	for _, p := range g.dangerous {
		if strings.Contains(lower, p) {
			return Verdict{Tier: TierDangerous, Rationale: fmt.Sprintf("matches destructive pattern %q", p)}
		}
	}

	// Privilege escalation combined with destructive flags escalates to
	// dangerous even when neither alone would.
	if strings.HasPrefix(lower, "sudo ") && (strings.Contains(lower, "rm -rf") || strings.Contains(lower, "rm -fr") || strings.Contains(lower, "--force")) {
		return Verdict{Tier: TierDangerous, Rationale: "privilege escalation combined with destructive flags"}
	}

	if name := firstWord(lower); name != "" {
		for _, ic := range interactiveCommands {
			if name == ic {
				return Verdict{Tier: TierCaution, Rationale: fmt.Sprintf("interactive command %q will hang a non-interactive session", ic)}
			}
		}
	}
	for _, p := range g.caution {
		if strings.Contains(lower, p) {
			return Verdict{Tier: TierCaution, Rationale: fmt.Sprintf("matches broad-change pattern %q", p)}
		}
	}

	return Verdict{Tier: TierSafe, Rationale: "no risk signature matched"}
}

// CheckPath validates a file path against the configured allowed roots.
// An empty allow list permits everything.
func (g *Gate) CheckPath(path string) error {
	if len(g.allowedPaths) == 0 {
		return nil
	}
	clean := filepath.Clean(path)
	for _, root := range g.allowedPaths {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the allowed roots %v", path, g.allowedPaths)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// Package platform decides whether this host is a Univention Corporate Server
// on which app reconciliation may run.
package platform

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultOSReleasePath is the os-release file read by the guard.
const DefaultOSReleasePath = "/etc/os-release"

const univentionID = "univention"

// Host describes the operating system identity.
type Host struct {
	ID        string
	IDLike    []string
	Name      string
	VersionID string
	Kernel    string
}

// IsUnivention reports whether the host belongs to the Univention family.
func (h *Host) IsUnivention() bool {
	if h == nil {
		return false
	}
	if strings.EqualFold(h.ID, univentionID) {
		return true
	}
	for _, like := range h.IDLike {
		if strings.EqualFold(like, univentionID) {
			return true
		}
	}
	return false
}

// Guard checks the host before any univention-app call is made.
type Guard struct {
	osReleasePath string
	logger        *slog.Logger
}

// NewGuard returns a Guard reading osReleasePath (DefaultOSReleasePath when empty).
func NewGuard(osReleasePath string, logger *slog.Logger) *Guard {
	if osReleasePath == "" {
		osReleasePath = DefaultOSReleasePath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{osReleasePath: osReleasePath, logger: logger}
}

// IsSupportedHost reports whether reconciliation should run. Any failure to
// identify the host counts as unsupported.
func (g *Guard) IsSupportedHost() bool {
	if runtime.GOOS != "linux" {
		g.logger.Debug("unsupported operating system", "goos", runtime.GOOS)
		return false
	}

	host, err := Detect(g.osReleasePath)
	if err != nil {
		g.logger.Debug("host detection failed", "path", g.osReleasePath, "error", err)
		return false
	}

	g.logger.Debug("detected host",
		"id", host.ID,
		"name", host.Name,
		"version_id", host.VersionID,
		"kernel", host.Kernel,
	)
	return host.IsUnivention()
}

// Detect reads the os-release file at path and the kernel release.
func Detect(path string) (*Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open os-release: %w", err)
	}
	defer f.Close()

	host, err := parseOSRelease(f)
	if err != nil {
		return nil, err
	}
	host.Kernel = kernelRelease()
	return host, nil
}

func parseOSRelease(r io.Reader) (*Host, error) {
	host := &Host{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = unquote(strings.TrimSpace(value))

		switch strings.TrimSpace(key) {
		case "ID":
			host.ID = strings.ToLower(value)
		case "ID_LIKE":
			host.IDLike = strings.Fields(strings.ToLower(value))
		case "NAME":
			host.Name = value
		case "VERSION_ID":
			host.VersionID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read os-release: %w", err)
	}
	return host, nil
}

func unquote(value string) string {
	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
		if value[0] == '"' {
			if s, err := strconv.Unquote(value); err == nil {
				return s
			}
		}
		return value[1 : len(value)-1]
	}
	return value
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// Package deps installs per-component Python dependencies inside a running
// container after content injection.
package deps

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/mounts"
)

// ManifestName is the per-component dependency manifest looked up in each
// first-level custom nodes subdirectory.
const ManifestName = "requirements.txt"

// DefaultBlacklist lists packages never installed from component manifests;
// they ship with the base image and reinstalling them breaks the environment.
var DefaultBlacklist = []string{"torch"}

// packageToken extracts the leading package name of a manifest line. Lines it
// cannot classify are passed through unfiltered.
var packageToken = regexp.MustCompile(`^\s*([a-zA-Z0-9._-]+)`)

// Execer runs a command inside a container and captures its output. The
// runtime gateway satisfies it.
type Execer interface {
	Exec(ctx context.Context, id string, cmd []string) (string, error)
}

// Installer discovers dependency manifests under the container's custom
// nodes root and installs the non-blacklisted remainder with the in-container
// package manager.
type Installer struct {
	rt  Execer
	log *zap.Logger
}

func NewInstaller(rt Execer, log *zap.Logger) *Installer {
	return &Installer{rt: rt, log: log}
}

// Install processes each first-level subdirectory of the custom nodes root,
// excluding denylisted names. Failures inside one subdirectory are logged and
// never abort the remaining subdirectories.
func (i *Installer) Install(ctx context.Context, containerID string, blacklist, excludeDirs []string) error {
	root := path.Join(mounts.WorkspacePath, mounts.CustomNodesDir)

	dirs, err := i.listComponentDirs(ctx, containerID, root, excludeDirs)
	if err != nil {
		return fmt.Errorf("list custom node directories: %w", err)
	}

	for _, dir := range dirs {
		if err := i.installComponent(ctx, containerID, dir, blacklist); err != nil {
			i.log.Warn("dependency install failed for component",
				zap.String("container_id", containerID),
				zap.String("component", dir),
				zap.Error(err))
		}
	}
	return nil
}

func (i *Installer) listComponentDirs(ctx context.Context, containerID, root string, excludeDirs []string) ([]string, error) {
	find := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -type d", root)
	for _, name := range excludeDirs {
		find += fmt.Sprintf(" -not -name %s", shellQuote(name))
	}
	out, err := i.rt.Exec(ctx, containerID, []string{"sh", "-c", find})
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

func (i *Installer) installComponent(ctx context.Context, containerID, dir string, blacklist []string) error {
	manifest := path.Join(dir, ManifestName)

	check := fmt.Sprintf("[ -f %s ] && echo exists || echo not_exists", shellQuote(manifest))
	out, err := i.rt.Exec(ctx, containerID, []string{"sh", "-c", check})
	if err != nil {
		return fmt.Errorf("check manifest: %w", err)
	}
	if strings.TrimSpace(out) != "exists" {
		i.log.Debug("no dependency manifest in component", zap.String("component", dir))
		return nil
	}

	content, err := i.rt.Exec(ctx, containerID, []string{"sh", "-c", "cat " + shellQuote(manifest)})
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	filtered := FilterManifest(content, blacklist)
	if len(filtered) == 0 {
		return nil
	}

	tmp := path.Join(dir, "temp_requirements.txt")
	write := fmt.Sprintf("printf '%%s\\n' %s > %s", shellQuote(strings.Join(filtered, "\n")), shellQuote(tmp))
	if _, err := i.rt.Exec(ctx, containerID, []string{"sh", "-c", write}); err != nil {
		return fmt.Errorf("write filtered manifest: %w", err)
	}

	i.log.Info("installing component dependencies",
		zap.String("container_id", containerID),
		zap.String("component", dir),
		zap.Int("requirements", len(filtered)))
	if _, err := i.rt.Exec(ctx, containerID, []string{"sh", "-c", "pip install -r " + shellQuote(tmp)}); err != nil {
		return fmt.Errorf("pip install: %w", err)
	}

	if _, err := i.rt.Exec(ctx, containerID, []string{"sh", "-c", "rm " + shellQuote(tmp)}); err != nil {
		i.log.Warn("failed to remove temporary manifest", zap.String("path", tmp), zap.Error(err))
	}
	return nil
}

// FilterManifest drops manifest lines whose leading package token matches the
// blacklist. Lines that do not match the package-name pattern are kept:
// never silently drop a line that could not be classified.
func FilterManifest(content string, blacklist []string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	blocked := make(map[string]struct{}, len(blacklist))
	for _, p := range blacklist {
		blocked[strings.ToLower(p)] = struct{}{}
	}

	var kept []string
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if m := packageToken.FindStringSubmatch(line); m != nil {
			if _, hit := blocked[strings.ToLower(m[1])]; hit {
				continue
			}
		}
		kept = append(kept, line)
	}
	return kept
}

// shellQuote wraps s in single quotes for safe embedding in sh -c commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

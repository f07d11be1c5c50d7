package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/archive"
	"go.uber.org/zap"
)

// CopyTree transfers a host directory tree into the container as a tar
// stream. Directories whose name appears in excludeDirs are skipped at any
// depth. The destination directory is created first so the archive always has
// somewhere to land.
func (a *Adapter) CopyTree(ctx context.Context, id, hostPath, containerPath string, excludeDirs []string) error {
	if _, err := a.Exec(ctx, id, []string{"mkdir", "-p", containerPath}); err != nil {
		return fmt.Errorf("prepare destination %s: %w", containerPath, err)
	}

	patterns := make([]string, 0, 2*len(excludeDirs))
	for _, name := range excludeDirs {
		patterns = append(patterns, name, "**/"+name)
	}

	tarStream, err := archive.TarWithOptions(hostPath, &archive.TarOptions{
		ExcludePatterns: patterns,
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", hostPath, err)
	}
	defer tarStream.Close()

	a.log.Info("copying host tree into container",
		zap.String("container_id", id),
		zap.String("host_path", hostPath),
		zap.String("container_path", containerPath))
	if err := a.cli.CopyToContainer(ctx, id, containerPath, tarStream, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to %s:%s: %w", hostPath, id, containerPath, translate(err))
	}
	return nil
}

package deps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedExecer answers exec calls by matching command substrings.
type scriptedExecer struct {
	calls     []string
	responses map[string]string
	failOn    string
}

func (s *scriptedExecer) Exec(_ context.Context, _ string, cmd []string) (string, error) {
	joined := strings.Join(cmd, " ")
	s.calls = append(s.calls, joined)
	if s.failOn != "" && strings.Contains(joined, s.failOn) {
		return "", errors.New("exec failed")
	}
	for marker, out := range s.responses {
		if strings.Contains(joined, marker) {
			return out, nil
		}
	}
	return "", nil
}

func (s *scriptedExecer) callsContaining(substr string) []string {
	var hits []string
	for _, c := range s.calls {
		if strings.Contains(c, substr) {
			hits = append(hits, c)
		}
	}
	return hits
}

func TestInstall(t *testing.T) {
	t.Run("installs filtered manifests per component", func(t *testing.T) {
		exec := &scriptedExecer{responses: map[string]string{
			"find":             "/app/workspace/custom_nodes/node-a\n/app/workspace/custom_nodes/node-b\n",
			"node-a/requirements.txt' ]": "exists",
			"node-b/requirements.txt' ]": "not_exists",
			"cat": "torch==2.1.0\nnumpy>=1.20\n# comment line\n",
		}}
		installer := NewInstaller(exec, zap.NewNop())

		err := installer.Install(context.Background(), "ctr-1", []string{"torch"}, []string{"__pycache__"})
		require.NoError(t, err)

		writes := exec.callsContaining("temp_requirements.txt")
		require.NotEmpty(t, writes)
		assert.NotContains(t, writes[0], "torch==2.1.0")
		assert.Contains(t, writes[0], "numpy>=1.20")
		assert.Contains(t, writes[0], "# comment line")

		installs := exec.callsContaining("pip install")
		require.Len(t, installs, 1, "only the component with a manifest is installed")
		assert.Contains(t, installs[0], "node-a")

		removes := exec.callsContaining("rm ")
		require.Len(t, removes, 1)
	})

	t.Run("excluded directory names are passed to discovery", func(t *testing.T) {
		exec := &scriptedExecer{responses: map[string]string{"find": ""}}
		installer := NewInstaller(exec, zap.NewNop())

		err := installer.Install(context.Background(), "ctr-1", nil, []string{"__pycache__", ".git"})
		require.NoError(t, err)

		require.NotEmpty(t, exec.calls)
		assert.Contains(t, exec.calls[0], "-not -name '__pycache__'")
		assert.Contains(t, exec.calls[0], "-not -name '.git'")
	})

	t.Run("failure in one component does not abort the rest", func(t *testing.T) {
		exec := &scriptedExecer{
			responses: map[string]string{
				"find":             "/app/workspace/custom_nodes/broken\n/app/workspace/custom_nodes/fine\n",
				"requirements.txt' ]": "exists",
				"cat":              "requests\n",
			},
			failOn: "broken/requirements.txt' ]",
		}
		installer := NewInstaller(exec, zap.NewNop())

		err := installer.Install(context.Background(), "ctr-1", nil, nil)
		require.NoError(t, err)

		installs := exec.callsContaining("pip install")
		require.Len(t, installs, 1)
		assert.Contains(t, installs[0], "fine")
	})

	t.Run("discovery failure is fatal", func(t *testing.T) {
		exec := &scriptedExecer{failOn: "find"}
		installer := NewInstaller(exec, zap.NewNop())

		err := installer.Install(context.Background(), "ctr-1", nil, nil)
		assert.Error(t, err)
	})
}

func TestFilterManifest(t *testing.T) {
	t.Run("drops blacklisted packages by leading token", func(t *testing.T) {
		content := "torch==2.1.0\ntorchvision\nnumpy\n"
		kept := FilterManifest(content, []string{"torch"})
		assert.Equal(t, []string{"torchvision", "numpy"}, kept)
	})

	t.Run("unclassifiable lines pass through", func(t *testing.T) {
		content := "--extra-index-url https://example.com/simple\nnumpy\n"
		kept := FilterManifest(content, []string{"torch"})
		assert.Equal(t, []string{"--extra-index-url https://example.com/simple", "numpy"}, kept)
	})

	t.Run("empty manifest filters to nothing", func(t *testing.T) {
		assert.Empty(t, FilterManifest("", []string{"torch"}))
		assert.Empty(t, FilterManifest("  \n", []string{"torch"}))
	})
}

package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/domain"
	"github.com/envdock/envdock/internal/core/settings"
)

type fakeLifecycle struct {
	listFn       func(ctx context.Context, folderID string) ([]domain.Environment, error)
	getFn        func(ctx context.Context, id string) (domain.Environment, error)
	createFn     func(ctx context.Context, env domain.Environment) (domain.Environment, error)
	duplicateFn  func(ctx context.Context, id string, env domain.Environment) (domain.Environment, error)
	updateFn     func(ctx context.Context, id string, update domain.EnvironmentUpdate) (domain.Environment, error)
	activateFn   func(ctx context.Context, id string, allowMultiple bool) (domain.Environment, error)
	deactivateFn func(ctx context.Context, id string) (domain.Environment, error)
	deleteFn     func(ctx context.Context, id string) (string, error)
}

func (f *fakeLifecycle) ListEnvironments(ctx context.Context, folderID string) ([]domain.Environment, error) {
	return f.listFn(ctx, folderID)
}

func (f *fakeLifecycle) GetEnvironment(ctx context.Context, id string) (domain.Environment, error) {
	return f.getFn(ctx, id)
}

func (f *fakeLifecycle) CreateEnvironment(ctx context.Context, env domain.Environment) (domain.Environment, error) {
	return f.createFn(ctx, env)
}

func (f *fakeLifecycle) DuplicateEnvironment(ctx context.Context, id string, env domain.Environment) (domain.Environment, error) {
	return f.duplicateFn(ctx, id, env)
}

func (f *fakeLifecycle) UpdateEnvironment(ctx context.Context, id string, update domain.EnvironmentUpdate) (domain.Environment, error) {
	return f.updateFn(ctx, id, update)
}

func (f *fakeLifecycle) ActivateEnvironment(ctx context.Context, id string, allowMultiple bool) (domain.Environment, error) {
	return f.activateFn(ctx, id, allowMultiple)
}

func (f *fakeLifecycle) DeactivateEnvironment(ctx context.Context, id string) (domain.Environment, error) {
	return f.deactivateFn(ctx, id)
}

func (f *fakeLifecycle) DeleteEnvironment(ctx context.Context, id string) (string, error) {
	return f.deleteFn(ctx, id)
}

type fakePuller struct {
	pulled []string
	err    error
}

func (f *fakePuller) EnsureImage(_ context.Context, ref string) error {
	if f.err != nil {
		return f.err
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

func newTestApp(t *testing.T, lifecycle *fakeLifecycle) *fiber.App {
	return newTestAppWithPuller(t, lifecycle, &fakePuller{})
}

func newTestAppWithPuller(t *testing.T, lifecycle *fakeLifecycle, puller *fakePuller) *fiber.App {
	t.Helper()
	app := fiber.New()
	manager := settings.NewManager(filepath.Join(t.TempDir(), "user.settings.json"), time.Second, zap.NewNop())
	RegisterRoutes(app,
		NewEnvironmentHandler(lifecycle, zap.NewNop()),
		NewSettingsHandler(manager, lifecycle, "/data/workspace"),
		NewImageHandler(puller, zap.NewNop()),
		NewHub(zap.NewNop()))
	return app
}

func decodeBody(t *testing.T, resp io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp).Decode(v))
}

func TestListEnvironments(t *testing.T) {
	lifecycle := &fakeLifecycle{
		listFn: func(_ context.Context, folderID string) ([]domain.Environment, error) {
			assert.Equal(t, "all", folderID)
			return []domain.Environment{{Name: "A", ID: "ctr-1"}}, nil
		},
	}
	app := newTestApp(t, lifecycle)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/environments/?folder=all", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var envs []domain.Environment
	decodeBody(t, resp.Body, &envs)
	require.Len(t, envs, 1)
	assert.Equal(t, "ctr-1", envs[0].ID)
}

func TestCreateEnvironment(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		lifecycle := &fakeLifecycle{
			createFn: func(_ context.Context, env domain.Environment) (domain.Environment, error) {
				env.ID = "ctr-1"
				env.Status = domain.StatusCreated
				return env, nil
			},
		}
		app := newTestApp(t, lifecycle)

		body := strings.NewReader(`{"name":"A","image":"app:1.0"}`)
		req := httptest.NewRequest("POST", "/api/v1/environments/", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

		var env domain.Environment
		decodeBody(t, resp.Body, &env)
		assert.Equal(t, "ctr-1", env.ID)
	})

	t.Run("malformed body", func(t *testing.T) {
		app := newTestApp(t, &fakeLifecycle{})
		req := httptest.NewRequest("POST", "/api/v1/environments/", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", fmt.Errorf("%w: bad name", domain.ErrValidation), fiber.StatusBadRequest},
		{"not found", fmt.Errorf("%w: environment x", domain.ErrNotFound), fiber.StatusNotFound},
		{"lock timeout", fmt.Errorf("%w: registry", domain.ErrLockTimeout), fiber.StatusLocked},
		{"connection", fmt.Errorf("%w: daemon unreachable", domain.ErrConnection), fiber.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lifecycle := &fakeLifecycle{
				getFn: func(context.Context, string) (domain.Environment, error) {
					return domain.Environment{}, tc.err
				},
			}
			app := newTestApp(t, lifecycle)

			resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/environments/ctr-1", nil))
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestActivateEnvironment(t *testing.T) {
	var gotAllowMultiple bool
	lifecycle := &fakeLifecycle{
		activateFn: func(_ context.Context, id string, allowMultiple bool) (domain.Environment, error) {
			gotAllowMultiple = allowMultiple
			return domain.Environment{ID: id, Status: domain.StatusRunning}, nil
		},
	}
	app := newTestApp(t, lifecycle)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/environments/ctr-1/activate", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.False(t, gotAllowMultiple)

	resp, err = app.Test(httptest.NewRequest("POST", "/api/v1/environments/ctr-1/activate?allow_multiple=true", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, gotAllowMultiple)
}

func TestDeleteEnvironment(t *testing.T) {
	lifecycle := &fakeLifecycle{
		deleteFn: func(_ context.Context, id string) (string, error) {
			return id, nil
		},
	}
	app := newTestApp(t, lifecycle)

	resp, err := app.Test(httptest.NewRequest("DELETE", "/api/v1/environments/ctr-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var got map[string]string
	decodeBody(t, resp.Body, &got)
	assert.Equal(t, "ctr-1", got["id"])
}

func TestPullImage(t *testing.T) {
	t.Run("pulls", func(t *testing.T) {
		puller := &fakePuller{}
		app := newTestAppWithPuller(t, &fakeLifecycle{}, puller)

		body := strings.NewReader(`{"image":"app:1.0"}`)
		req := httptest.NewRequest("POST", "/api/v1/images/pull", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, int(30*time.Second/time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"app:1.0"}, puller.pulled)
	})

	t.Run("missing reference", func(t *testing.T) {
		app := newTestApp(t, &fakeLifecycle{})
		req := httptest.NewRequest("POST", "/api/v1/images/pull", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("daemon failure maps to bad gateway", func(t *testing.T) {
		puller := &fakePuller{err: fmt.Errorf("%w: daemon unreachable", domain.ErrConnection)}
		app := newTestAppWithPuller(t, &fakeLifecycle{}, puller)

		body := strings.NewReader(`{"image":"app:1.0"}`)
		req := httptest.NewRequest("POST", "/api/v1/images/pull", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	})
}

func TestSettingsRoutes(t *testing.T) {
	app := newTestApp(t, &fakeLifecycle{
		listFn: func(context.Context, string) ([]domain.Environment, error) {
			return nil, nil
		},
	})

	t.Run("defaults on first load", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/settings", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		var s settings.UserSettings
		decodeBody(t, resp.Body, &s)
		assert.Equal(t, "/data/workspace", s.WorkspacePath)
		assert.Equal(t, settings.DefaultPort, s.Port)
	})

	t.Run("update round-trips", func(t *testing.T) {
		body := strings.NewReader(`{"workspace_path":"/data/workspace","port":9000}`)
		req := httptest.NewRequest("PUT", "/api/v1/settings", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/settings", nil))
		require.NoError(t, err)
		var s settings.UserSettings
		decodeBody(t, resp.Body, &s)
		assert.Equal(t, 9000, s.Port)
	})

	t.Run("invalid settings are rejected", func(t *testing.T) {
		body := strings.NewReader(`{"port":70000}`)
		req := httptest.NewRequest("PUT", "/api/v1/settings", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestFolderRoutes(t *testing.T) {
	memberOf := ""
	app := newTestApp(t, &fakeLifecycle{
		listFn: func(context.Context, string) ([]domain.Environment, error) {
			if memberOf == "" {
				return nil, nil
			}
			return []domain.Environment{{Name: "A", FolderIDs: []string{memberOf}}}, nil
		},
	})

	createFolder := func(t *testing.T, name string) (settings.Folder, int) {
		t.Helper()
		body := strings.NewReader(`{"name":"` + name + `"}`)
		req := httptest.NewRequest("POST", "/api/v1/folders/", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		var folder settings.Folder
		if resp.StatusCode == fiber.StatusCreated {
			decodeBody(t, resp.Body, &folder)
		}
		return folder, resp.StatusCode
	}

	folder, status := createFolder(t, "experiments")
	require.Equal(t, fiber.StatusCreated, status)
	require.NotEmpty(t, folder.ID)

	t.Run("duplicate name is rejected", func(t *testing.T) {
		_, status := createFolder(t, "experiments")
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("rename", func(t *testing.T) {
		body := strings.NewReader(`{"name":"archive"}`)
		req := httptest.NewRequest("PUT", "/api/v1/folders/"+folder.ID, body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("delete refuses a folder in use", func(t *testing.T) {
		memberOf = folder.ID
		resp, err := app.Test(httptest.NewRequest("DELETE", "/api/v1/folders/"+folder.ID, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("delete an empty folder", func(t *testing.T) {
		memberOf = ""
		resp, err := app.Test(httptest.NewRequest("DELETE", "/api/v1/folders/"+folder.ID, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	})
}

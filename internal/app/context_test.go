package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudnetproc/internal/config"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/lock"
	"cloudnetproc/internal/metadata"
	"cloudnetproc/internal/notify"
	"cloudnetproc/internal/processing"
)

func TestNewWiresServices(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Backend = "local"
	cfg.Storage.Root = "artifacts"
	cfg.Jobs = map[string]config.Job{"plot": {Command: []string{"plot.sh"}}}
	cfg.Notify.WebhookURL = "http://alerts.invalid/hook"
	cfg.Portal.URL = ""

	svc, err := New(context.Background(), cfg, Options{Workspace: workspace, OwnerID: "w1"})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	assert.DirExists(t, filepath.Join(workspace, "artifacts", "volatile"))
	assert.IsType(t, &metadata.Memory{}, svc.Store)
	assert.IsType(t, &notify.Webhook{}, svc.Notifier)
	assert.Len(t, svc.Engine.Locker.(lock.Chain), 2)

	cmd, ok := svc.Engine.Collaborator.(*processing.Command)
	require.True(t, ok)
	assert.Equal(t, []string{"plot.sh"}, cmd.Jobs["plot"])
	assert.Equal(t, cfg.Processing.Timeout, cmd.Timeout)

	w := svc.Worker("", 0)
	assert.Equal(t, cfg.Queue.Name, w.Queue)
	assert.Equal(t, config.DefaultQueue, w.Fallback)
	assert.Equal(t, cfg.Queue.MaxTasks, w.MaxTasks)
	assert.Equal(t, "w1", w.OwnerID)

	assert.Equal(t, "w1", svc.Events.ActorID)
	assert.Equal(t, cfg.Retry.MaxAttempts, svc.Publisher.MaxAttempts)
}

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	workspace := t.TempDir()
	svc, err := Open(context.Background(), Options{Workspace: workspace})
	require.NoError(t, err, "a missing config file falls back to the default config")
	svc.Close()

	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("sites: [\n"), 0o644))
	_, err = Open(context.Background(), Options{Workspace: workspace})
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", "site", "hyytiala")
	assert.Contains(t, buf.String(), `"site":"hyytiala"`)

	_, err = NewLogger(&buf, "loud", "text")
	assert.True(t, domain.IsConfigError(err))
	_, err = NewLogger(&buf, "info", "xml")
	assert.True(t, domain.IsConfigError(err))
}

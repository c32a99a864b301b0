package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/turtacn/Phoenix/pkg/errors"
)

func TestUpdate_RunsInDir(t *testing.T) {
	dir := t.TempDir()
	u := &Updater{Command: []string{"/bin/sh", "-c", "echo pulled > marker"}, Dir: dir}

	_, err := u.Update(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "pulled\n", string(data))
}

func TestUpdate_NoCommandIsNoop(t *testing.T) {
	out, err := (&Updater{}).Update(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestUpdate_Failure(t *testing.T) {
	u := &Updater{Command: []string{"/bin/sh", "-c", "echo fetching; echo 'fatal: not a git repository' >&2; exit 128"}}

	out, err := u.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeSourceUpdate, perrors.CodeOf(err))
	assert.Contains(t, err.Error(), "fatal: not a git repository")
	assert.Contains(t, out, "fetching")
}

func TestUpdate_Timeout(t *testing.T) {
	u := &Updater{Command: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := u.Update(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

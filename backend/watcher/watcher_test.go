package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andi/mediabatch/backend/models"
	"github.com/andi/mediabatch/backend/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []scheduler.SubmitRequest
}

func (f *fakeSubmitter) Submit(req scheduler.SubmitRequest) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &models.Task{ID: uint(len(f.reqs))}, nil
}

func (f *fakeSubmitter) submissions() []scheduler.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.SubmitRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func TestSubmitFile(t *testing.T) {
	submitter := &fakeSubmitter{}
	w, err := New(submitter, t.TempDir(), "/out")
	require.NoError(t, err)
	defer w.Stop()

	w.submitFile("/drop/photo.jpg")

	reqs := submitter.submissions()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.TaskTypeImageTransform, reqs[0].Type)
	assert.Equal(t, "photo.jpg", reqs[0].Name)
	assert.Equal(t, "/out", reqs[0].OutputDir)
	require.Len(t, reqs[0].Files, 1)
	assert.Equal(t, "dropped", reqs[0].Files[0].Category)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	submitter := &fakeSubmitter{}
	w, err := New(submitter, t.TempDir(), "/out")
	require.NoError(t, err)
	defer w.Stop()

	// a file being copied fires many write events; only one task comes out
	for i := 0; i < 5; i++ {
		w.debounce("/drop/big.png")
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(submitter.submissions()) == 1
	}, 2*debounceDelay, 50*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, submitter.submissions(), 1)
}

func TestWatcherPicksUpDroppedImage(t *testing.T) {
	dropDir := t.TempDir()
	submitter := &fakeSubmitter{}
	w, err := New(submitter, dropDir, "/out")
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "shot.jpg"), []byte("jpeg bytes"), 0644))
	// non-image files are ignored outright
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "notes.txt"), []byte("text"), 0644))

	require.Eventually(t, func() bool {
		return len(submitter.submissions()) == 1
	}, 2*debounceDelay, 50*time.Millisecond)

	reqs := submitter.submissions()
	assert.Equal(t, "shot.jpg", reqs[0].Name)

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, submitter.submissions(), 1, "the text file must not become a task")
}

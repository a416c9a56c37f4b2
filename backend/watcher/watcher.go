package watcher

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andi/mediabatch/backend/models"
	"github.com/andi/mediabatch/backend/scheduler"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceDelay lets a copied file settle before it is submitted
const debounceDelay = 2 * time.Second

// imageExtensions are the file types the drop folder picks up
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Submitter accepts auto-generated task submissions
type Submitter interface {
	Submit(req scheduler.SubmitRequest) (*models.Task, error)
}

// Watcher monitors a drop folder and submits an image transform task for
// every media file that appears in it
type Watcher struct {
	submitter Submitter
	watcher   *fsnotify.Watcher
	dropDir   string
	outputDir string
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	stopped   bool

	// Debounce map to avoid submitting a file that is still being written
	debounceMap map[string]*time.Timer
	debounceMu  sync.Mutex
}

// New creates a new drop-folder watcher
func New(submitter Submitter, dropDir, outputDir string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		submitter:   submitter,
		watcher:     fsWatcher,
		dropDir:     dropDir,
		outputDir:   outputDir,
		stopChan:    make(chan struct{}),
		debounceMap: make(map[string]*time.Timer),
	}, nil
}

// Start starts watching the drop folder
func (w *Watcher) Start() error {
	absPath, err := filepath.Abs(w.dropDir)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(absPath); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	log.Printf("Drop folder watcher started on %s", absPath)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()
	log.Println("Drop folder watcher stopped")
}

// processEvents is the main event loop
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !imageExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			w.debounce(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// debounce resets the settle timer for a path; the submission fires only
// after the file has been quiet for debounceDelay
func (w *Watcher) debounce(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceMap[path]; exists {
		timer.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(debounceDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounceMap, path)
		w.debounceMu.Unlock()
		w.submitFile(path)
	})
}

// submitFile turns one settled drop-folder file into a task
func (w *Watcher) submitFile(path string) {
	task, err := w.submitter.Submit(scheduler.SubmitRequest{
		Type:      models.TaskTypeImageTransform,
		Name:      filepath.Base(path),
		OutputDir: w.outputDir,
		Files: []models.TaskFile{
			{Path: path, Category: "dropped"},
		},
	})
	if err != nil {
		log.Printf("Failed to submit dropped file %s: %v", path, err)
		return
	}
	log.Printf("Dropped file %s submitted as task %d", path, task.ID)
}

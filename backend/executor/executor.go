package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andi/mediabatch/backend/models"
	"github.com/andi/mediabatch/backend/scheduler"
	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// Executor is the default execution adapter. Video composition shells out
// to ffmpeg in an external process reported by pid; image transforms run
// in-process.
type Executor struct {
	ffmpegPath string
	workDir    string
}

// New creates an executor. ffmpegPath defaults to "ffmpeg" on PATH.
func New(ffmpegPath, workDir string) *Executor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Executor{ffmpegPath: ffmpegPath, workDir: workDir}
}

// Execute dispatches on the task type. Satisfies scheduler.ExecuteFunc.
func (e *Executor) Execute(ctx context.Context, req scheduler.ExecuteRequest) (*scheduler.ExecuteResult, error) {
	switch req.Task.Type {
	case models.TaskTypeVideoCompose:
		return e.composeVideo(ctx, req)
	case models.TaskTypeImageTransform:
		return e.transformImages(ctx, req)
	default:
		return nil, &models.ExecutionError{
			Code:    "UNSUPPORTED_TYPE",
			Message: fmt.Sprintf("no adapter for task type %q", req.Task.Type),
		}
	}
}

// VideoConfig are the job parameters of a video composition task
type VideoConfig struct {
	Format         string `json:"format"`
	VideoCodec     string `json:"video_codec"`
	AudioCodec     string `json:"audio_codec"`
	Resolution     string `json:"resolution"`
	FrameRate      int    `json:"frame_rate"`
	DurationHintMs int64  `json:"duration_hint_ms"`
}

// ImageConfig are the job parameters of an image transformation task
type ImageConfig struct {
	Format  string `json:"format"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Crop    bool   `json:"crop"`
	Quality int    `json:"quality"`
}

func (e *Executor) composeVideo(ctx context.Context, req scheduler.ExecuteRequest) (*scheduler.ExecuteResult, error) {
	task := req.Task

	var cfg VideoConfig
	if len(task.Config) > 0 {
		if err := json.Unmarshal(task.Config, &cfg); err != nil {
			return nil, &models.ExecutionError{Code: "BAD_CONFIG", Message: fmt.Sprintf("invalid video config: %v", err)}
		}
	}
	if cfg.Format == "" {
		cfg.Format = "mp4"
	}

	if err := os.MkdirAll(task.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	listPath, err := e.writeConcatList(task)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listPath)

	outputPath := filepath.Join(task.OutputDir, outputName(task, cfg.Format))
	args := buildComposeArgs(listPath, outputPath, cfg, req.Threads)

	req.OnLog(models.LogLevelInfo, fmt.Sprintf("composing %d input(s) into %s", len(task.Files), outputPath))
	req.OnProgress(0, "encoding")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &models.ExecutionError{Code: "SPAWN_FAILED", Message: err.Error()}
	}
	req.OnPid(cmd.Process.Pid, time.Now())

	// kill the worker once the scheduler no longer owns this execution
	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !req.Owned() {
					if perr := cmd.Process.Kill(); perr != nil {
						log.Printf("Failed to kill worker pid %d: %v", cmd.Process.Pid, perr)
					}
					return
				}
			}
		}
	}()

	go e.scanProgress(stdout, cfg.DurationHintMs, req)
	go e.scanStderr(stderr, req)

	waitErr := cmd.Wait()
	close(watchDone)

	if !req.Owned() {
		return nil, &models.ExecutionError{Code: "CANCELLED", Message: "execution no longer owned"}
	}
	if waitErr != nil {
		return nil, &models.ExecutionError{
			Code:    models.ExecutionErrorCode,
			Message: fmt.Sprintf("ffmpeg exited with error: %v", waitErr),
		}
	}

	output, err := statOutput(outputPath, "video")
	if err != nil {
		return nil, &models.ExecutionError{Code: "NO_OUTPUT", Message: err.Error()}
	}
	req.OnLog(models.LogLevelSuccess, fmt.Sprintf("wrote %s (%d bytes)", outputPath, output.Size))
	return &scheduler.ExecuteResult{Outputs: []models.TaskOutput{*output}}, nil
}

// writeConcatList materializes the ordered input list in ffmpeg concat
// demuxer format
func (e *Executor) writeConcatList(task *models.Task) (string, error) {
	files := make([]models.TaskFile, len(task.Files))
	copy(files, task.Files)
	sort.SliceStable(files, func(i, j int) bool { return files[i].SortOrder < files[j].SortOrder })

	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(f.Path, "'", `'\''`))
	}

	listFile, err := os.CreateTemp(e.workDir, fmt.Sprintf("task-%d-*.txt", task.ID))
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	if _, err := listFile.WriteString(sb.String()); err != nil {
		listFile.Close()
		os.Remove(listFile.Name())
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	if err := listFile.Close(); err != nil {
		os.Remove(listFile.Name())
		return "", err
	}
	return listFile.Name(), nil
}

func buildComposeArgs(listPath, outputPath string, cfg VideoConfig, threads int) []string {
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath}
	if threads > 0 {
		args = append(args, "-threads", strconv.Itoa(threads))
	}
	if cfg.VideoCodec != "" {
		args = append(args, "-c:v", cfg.VideoCodec)
	}
	if cfg.AudioCodec != "" {
		args = append(args, "-c:a", cfg.AudioCodec)
	}
	if cfg.Resolution != "" {
		args = append(args, "-s", cfg.Resolution)
	}
	if cfg.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(cfg.FrameRate))
	}
	args = append(args, "-progress", "pipe:1", outputPath)
	return args
}

// scanProgress parses ffmpeg -progress key=value output into progress ticks
func (e *Executor) scanProgress(r io.Reader, durationHintMs int64, req scheduler.ExecuteRequest) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !req.Owned() {
			return
		}
		if pct, ok := parseProgressLine(scanner.Text(), durationHintMs); ok {
			req.OnProgress(pct, "encoding")
		}
	}
}

func (e *Executor) scanStderr(r io.Reader, req scheduler.ExecuteRequest) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !req.Owned() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		level := models.LogLevelDebug
		if strings.Contains(line, "Error") || strings.Contains(line, "error") {
			level = models.LogLevelError
		}
		req.OnLog(level, line)
	}
}

// parseProgressLine extracts a 0-99 percentage from an "out_time_ms=N"
// line; the final 100 is reported only on success
func parseProgressLine(line string, durationHintMs int64) (int, bool) {
	if durationHintMs <= 0 {
		return 0, false
	}
	value, found := strings.CutPrefix(line, "out_time_ms=")
	if !found {
		return 0, false
	}
	outTimeUs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	pct := int(outTimeUs / 1000 * 100 / durationHintMs)
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct, true
}

func (e *Executor) transformImages(ctx context.Context, req scheduler.ExecuteRequest) (*scheduler.ExecuteResult, error) {
	task := req.Task

	var cfg ImageConfig
	if len(task.Config) > 0 {
		if err := json.Unmarshal(task.Config, &cfg); err != nil {
			return nil, &models.ExecutionError{Code: "BAD_CONFIG", Message: fmt.Sprintf("invalid image config: %v", err)}
		}
	}
	if cfg.Format == "" {
		cfg.Format = "jpg"
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}

	if err := os.MkdirAll(task.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var outputs []models.TaskOutput
	for i, file := range task.Files {
		if ctx.Err() != nil {
			return nil, &models.ExecutionError{Code: "CANCELLED", Message: ctx.Err().Error()}
		}
		if !req.Owned() {
			return nil, &models.ExecutionError{Code: "CANCELLED", Message: "execution no longer owned"}
		}

		outputPath := filepath.Join(task.OutputDir, transformedName(file.Path, cfg.Format))
		if err := transformOne(file.Path, outputPath, cfg); err != nil {
			return nil, &models.ExecutionError{
				Code:    models.ExecutionErrorCode,
				Message: fmt.Sprintf("failed to transform %s: %v", file.Path, err),
			}
		}

		output, err := statOutput(outputPath, "image")
		if err != nil {
			return nil, &models.ExecutionError{Code: "NO_OUTPUT", Message: err.Error()}
		}
		outputs = append(outputs, *output)

		req.OnLog(models.LogLevelInfo, fmt.Sprintf("transformed %s -> %s", file.Path, outputPath))
		req.OnProgress((i+1)*100/len(task.Files), fmt.Sprintf("%d/%d images", i+1, len(task.Files)))
	}

	return &scheduler.ExecuteResult{Outputs: outputs}, nil
}

func transformOne(inputPath, outputPath string, cfg ImageConfig) error {
	src, err := imaging.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	processed := src
	if cfg.Width > 0 || cfg.Height > 0 {
		if cfg.Crop && cfg.Width > 0 && cfg.Height > 0 {
			processed = imaging.Fill(src, cfg.Width, cfg.Height, imaging.Center, imaging.Lanczos)
		} else {
			processed = imaging.Resize(src, cfg.Width, cfg.Height, imaging.Lanczos)
		}
	}

	switch strings.ToLower(cfg.Format) {
	case "jpg", "jpeg":
		return imaging.Save(processed, outputPath, imaging.JPEGQuality(cfg.Quality))
	case "png", "gif", "tif", "tiff", "bmp":
		return imaging.Save(processed, outputPath)
	default:
		return fmt.Errorf("unsupported format: %s", cfg.Format)
	}
}

func outputName(task *models.Task, format string) string {
	name := task.Name
	if name == "" {
		name = fmt.Sprintf("task-%d", task.ID)
	}
	return sanitizeName(name) + "." + format
}

func transformedName(inputPath, format string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + format
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}

func statOutput(path, kind string) (*models.TaskOutput, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("output file missing: %w", err)
	}
	return &models.TaskOutput{
		Path:      path,
		MediaKind: kind,
		Size:      info.Size(),
		CreatedAt: time.Now(),
	}, nil
}

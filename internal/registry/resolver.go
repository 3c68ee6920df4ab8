package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"balancerd/internal/common/fsutil"
	"balancerd/internal/reconcile"
	"balancerd/pkg/types"
)

// DefaultPollInterval is how often an unfinished download is checked.
const DefaultPollInterval = 500 * time.Millisecond

// Resolver maps desired model references to files on disk. Local paths
// resolve against ModelsDir when relative; Hugging Face references resolve
// inside HuggingFaceCacheDir as <repo>/<revision>/<filename>.
type Resolver struct {
	ModelsDir           string
	HuggingFaceCacheDir string
	PollInterval        time.Duration
	logger              zerolog.Logger
}

// NewResolver builds a resolver over the given directories.
func NewResolver(modelsDir, hfCacheDir string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		ModelsDir:           modelsDir,
		HuggingFaceCacheDir: hfCacheDir,
		PollInterval:        DefaultPollInterval,
		logger:              logger.With().Str("component", "registry").Logger(),
	}
}

// Resolve implements reconcile.Resolver. Failures carry the agent issue
// they should be reported as.
func (r *Resolver) Resolve(ctx context.Context, ds types.DesiredState) (types.ApplicableState, error) {
	if err := ctx.Err(); err != nil {
		return types.ApplicableState{}, err
	}
	var (
		path string
		err  error
	)
	switch ds.Model.Kind {
	case types.ModelLocal:
		path, err = r.resolveLocal(ds.Model)
	case types.ModelHuggingFace:
		path, err = r.resolveHuggingFace(ctx, ds.Model)
	default:
		err = fmt.Errorf("unknown model kind %q", ds.Model.Kind)
	}
	if err != nil {
		return types.ApplicableState{}, err
	}

	tpl, err := r.chatTemplate(ds, path)
	if err != nil {
		return types.ApplicableState{}, err
	}
	r.logger.Debug().Str("model", ds.Model.String()).Str("model_path", path).Msg("model resolved")
	return types.ApplicableState{
		ModelPath:    path,
		Slots:        ds.Slots,
		ContextSize:  ds.ContextSize,
		ChatTemplate: tpl,
	}, nil
}

func (r *Resolver) resolveLocal(ref types.ModelReference) (string, error) {
	p, err := fsutil.ExpandHome(ref.Path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) && r.ModelsDir != "" {
		base, err := fsutil.ExpandHome(r.ModelsDir)
		if err != nil {
			return "", err
		}
		p = filepath.Join(base, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	if !fsutil.IsRegularFile(abs) {
		return "", reconcile.WithIssue(types.ModelFileDoesNotExist(abs), errors.New("model file not found"))
	}
	return abs, nil
}

func (r *Resolver) resolveHuggingFace(ctx context.Context, ref types.ModelReference) (string, error) {
	if r.HuggingFaceCacheDir == "" {
		return "", reconcile.WithIssue(types.HuggingFaceModelDoesNotExist(ref.String()), errors.New("no huggingface cache configured"))
	}
	cache, err := fsutil.ExpandHome(r.HuggingFaceCacheDir)
	if err != nil {
		return "", err
	}
	rev := ref.Revision
	if rev == "" {
		rev = "main"
	}
	if strings.Contains(ref.Repo, "..") || strings.Contains(ref.Filename, "..") {
		return "", reconcile.WithIssue(types.HuggingFaceModelDoesNotExist(ref.String()), errors.New("invalid reference"))
	}
	dir := filepath.Join(cache, filepath.FromSlash(ref.Repo), rev)
	path := filepath.Join(dir, filepath.FromSlash(ref.Filename))

	if err := r.awaitDownload(ctx, path); err != nil {
		return "", err
	}

	// A lock file means another process is still writing the model.
	lockPath := path + ".lock"
	unlock, err := fsutil.TryLock(lockPath)
	switch {
	case errors.Is(err, fsutil.ErrLocked):
		return "", reconcile.WithIssue(types.HuggingFaceCannotAcquireLock(lockPath), err)
	case err != nil:
		// The cache directory may not exist yet; the file check below reports it.
		r.logger.Debug().Err(err).Str("lock_path", lockPath).Msg("lock not taken")
	default:
		defer unlock()
	}

	if !fsutil.IsRegularFile(path) {
		return "", reconcile.WithIssue(types.HuggingFaceModelDoesNotExist(ref.String()), fmt.Errorf("%s not in cache", path))
	}
	return path, nil
}

// awaitDownload blocks while another process fills path through a
// <path>.incomplete file, reporting its size as progress.
func (r *Resolver) awaitDownload(ctx context.Context, path string) error {
	partial := path + ".incomplete"
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !fsutil.IsRegularFile(path) {
		fi, err := os.Stat(partial)
		if err != nil {
			return nil
		}
		reconcile.ReportDownload(ctx, filepath.Base(path), fi.Size(), 0)
		r.logger.Debug().Str("path", partial).Int64("bytes", fi.Size()).Msg("waiting for download")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (r *Resolver) chatTemplate(ds types.DesiredState, modelPath string) (string, error) {
	if ds.ChatTemplate != "" {
		if err := CheckChatTemplate(ds.ChatTemplate); err != nil {
			return "", reconcile.WithIssue(types.ChatTemplateDoesNotCompile(err.Error(), ds.ChatTemplate), err)
		}
		return ds.ChatTemplate, nil
	}
	if !ds.UseModelChatTemplate {
		return "", nil
	}
	tpl, ok, err := findChatTemplate(modelPath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", reconcile.WithIssue(types.UnableToFindChatTemplate(modelPath), errors.New("no chat template next to model"))
	}
	if err := CheckChatTemplate(tpl); err != nil {
		return "", reconcile.WithIssue(types.ChatTemplateDoesNotCompile(err.Error(), tpl), err)
	}
	return tpl, nil
}

// Package localdir implements a SourceRunner that ingests files from a
// local landing directory. Deployments that sync s3/ftp sources to disk
// with an external transfer agent point the runner at the sync target.
package localdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/hash/sha256"
)

// Config captures the parameters for the landing-directory runner.
type Config struct {
	// BaseDir is the root under which per-channel landing directories live.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	// MaxFileBytes rejects files larger than this. Zero means no limit.
	MaxFileBytes int64 `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
}

// Runner reads every regular file in a channel's landing directory and
// returns them as the execution outcome.
type Runner struct {
	cfg    Config
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New creates a landing-directory runner rooted at cfg.BaseDir.
func New(cfg Config, logger *zap.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Runner{
		cfg:    cfg,
		hasher: sha256.New(),
		logger: logger,
	}, nil
}

// Run collects the files currently present in the channel's landing
// directory. The directory name comes from the channel's "path" param and
// is always resolved relative to BaseDir.
func (r *Runner) Run(ctx context.Context, req fetch.RunRequest) (fetch.Outcome, error) {
	start := time.Now()

	dir, err := r.channelDir(req.Channel)
	if err != nil {
		return fetch.Outcome{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// The transfer agent has not delivered yet.
			return fetch.Outcome{}, fmt.Errorf("landing directory not ready: %w", err)
		}
		return fetch.Outcome{}, fmt.Errorf("read landing directory: %w", err)
	}

	pattern := req.Channel.Params["pattern"]
	var files []fetch.FileRecord
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fetch.Outcome{}, err
		}
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			ok, matchErr := filepath.Match(pattern, entry.Name())
			if matchErr != nil {
				return fetch.Outcome{}, fmt.Errorf("%w: bad file pattern %q", fetch.ErrBadConfig, pattern)
			}
			if !ok {
				continue
			}
		}

		full := filepath.Join(dir, entry.Name())
		if r.cfg.MaxFileBytes > 0 {
			info, infoErr := entry.Info()
			if infoErr != nil {
				return fetch.Outcome{}, fmt.Errorf("stat %s: %w", entry.Name(), infoErr)
			}
			if info.Size() > r.cfg.MaxFileBytes {
				r.logger.Warn("skipping oversized file",
					zap.String("file", entry.Name()),
					zap.Int64("size", info.Size()),
				)
				continue
			}
		}

		body, readErr := os.ReadFile(full)
		if readErr != nil {
			return fetch.Outcome{}, fmt.Errorf("read %s: %w", entry.Name(), readErr)
		}
		digest, hashErr := r.hasher.Hash(body)
		if hashErr != nil {
			return fetch.Outcome{}, fmt.Errorf("hash %s: %w", entry.Name(), hashErr)
		}
		files = append(files, fetch.FileRecord{
			JobID: req.Job.ID,
			Hash:  digest,
			Path:  entry.Name(),
			Size:  int64(len(body)),
			Body:  body,
		})
	}

	r.logger.Debug("landing directory collected",
		zap.String("job_id", req.Job.ID),
		zap.String("channel_id", req.Channel.ChannelID),
		zap.Int("files", len(files)),
	)
	return fetch.Outcome{
		Success:    true,
		Files:      files,
		ParentPath: dir,
		Duration:   time.Since(start),
	}, nil
}

func (r *Runner) channelDir(ch fetch.ChannelConfig) (string, error) {
	sub := ch.Params["path"]
	if sub == "" {
		sub = ch.ChannelID
	}
	cleaned := filepath.Clean(sub)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: landing path %q escapes base directory", fetch.ErrBadConfig, sub)
	}
	return filepath.Join(r.cfg.BaseDir, cleaned), nil
}

package patch

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"gradwatch/models"
)

// Store writes per-checkpoint snapshots under a root directory. Each
// checkpoint is a directory ckpt_<epoch_seconds> holding a copy of the
// training file and a state.json payload {metrics, step}; the directory
// name is the checkpoint id. Checkpoints are append-only per id.
type Store struct {
	Root string

	// Now is the clock used to mint checkpoint ids; nil means time.Now.
	Now func() time.Time
}

// DefaultRoot is the checkpoint root used when none is configured.
const DefaultRoot = ".gradwatch_checkpoints"

func (s *Store) root() string {
	if s.Root == "" {
		return DefaultRoot
	}
	return s.Root
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type statePayload struct {
	Metrics map[string][]float64 `json:"metrics"`
	Step    int                  `json:"step"`
}

// Snapshot copies the run's training file and metric state into a new
// checkpoint and returns its id.
func (s *Store) Snapshot(state *models.RunState) (string, error) {
	checkpointID := fmt.Sprintf("ckpt_%d", s.now().Unix())
	ckptPath := filepath.Join(s.root(), checkpointID)
	if err := os.MkdirAll(ckptPath, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	trainingFile := state.TrainingFile()
	content, err := os.ReadFile(trainingFile)
	if err != nil {
		return "", fmt.Errorf("read training file: %w", err)
	}
	dest := filepath.Join(ckptPath, filepath.Base(trainingFile))
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint copy: %w", err)
	}

	payload := statePayload{Metrics: state.Metrics(), Step: state.CurrentStep()}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode state payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ckptPath, "state.json"), encoded, 0o644); err != nil {
		return "", fmt.Errorf("write state payload: %w", err)
	}
	return checkpointID, nil
}

// Restore copies the checkpointed training file back over targetPath.
func (s *Store) Restore(checkpointID, targetPath string) error {
	source := filepath.Join(s.root(), checkpointID, filepath.Base(targetPath))
	content, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("read checkpoint %s: %w", checkpointID, err)
	}
	if err := os.WriteFile(targetPath, content, 0o644); err != nil {
		return fmt.Errorf("restore training file: %w", err)
	}
	return nil
}

// ArchivePath is where the compressed checkpoint archive for remote sync
// lives under the store root.
func (s *Store) ArchivePath() string {
	return filepath.Join(s.root(), "checkpoints.tar.br")
}

// WriteArchive compresses a tar stream (for example one produced remotely)
// into the store's archive path.
func (s *Store) WriteArchive(tarStream io.Reader) error {
	if err := os.MkdirAll(s.root(), 0o755); err != nil {
		return fmt.Errorf("create checkpoint root: %w", err)
	}
	tmp := s.ArchivePath() + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	writer := brotli.NewWriter(out)
	if _, err := io.Copy(writer, tarStream); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress archive: %w", err)
	}
	if err := writer.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmp, s.ArchivePath())
}

// OpenArchive returns a reader over the decompressed tar stream of a
// previously written archive, or os.ErrNotExist when none was synced.
func (s *Store) OpenArchive() (io.ReadCloser, error) {
	f, err := os.Open(s.ArchivePath())
	if err != nil {
		return nil, err
	}
	return &archiveReader{file: f, reader: brotli.NewReader(f)}, nil
}

type archiveReader struct {
	file   *os.File
	reader io.Reader
}

func (a *archiveReader) Read(p []byte) (int, error) { return a.reader.Read(p) }
func (a *archiveReader) Close() error               { return a.file.Close() }

// PackLocal tars the local checkpoint directories and compresses them into
// the archive path, so the next remote run can pick up where this one
// stopped.
func (s *Store) PackLocal() error {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return fmt.Errorf("read checkpoint root: %w", err)
	}

	if err := os.MkdirAll(s.root(), 0o755); err != nil {
		return err
	}
	tmp := s.ArchivePath() + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	bw := brotli.NewWriter(out)
	tw := tar.NewWriter(bw)

	fail := func(err error) error {
		tw.Close()
		bw.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "ckpt_") {
			continue
		}
		dir := filepath.Join(s.root(), entry.Name())
		walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(s.root(), path)
			if err != nil {
				return err
			}
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if walkErr != nil {
			return fail(fmt.Errorf("pack %s: %w", entry.Name(), walkErr))
		}
	}

	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := bw.Close(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.ArchivePath())
}

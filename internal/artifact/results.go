package artifact

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/job"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteResults streams the job's results directory to w as a tar.gz archive.
// Entry names are relative to the results directory.
func (m *Manager) WriteResults(id string, w io.Writer) error {
	if err := job.ValidateID(id); err != nil {
		return err
	}
	srcDir := m.ResultsDir(id)
	info, err := os.Stat(srcDir)
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.NotFound("results", id)
	}
	if err != nil {
		return apperrors.Storage("stat results", err)
	}
	if !info.IsDir() {
		return apperrors.Storage("stat results", fmt.Errorf("%s is not a directory", srcDir))
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	if err := archiveDir(tarWriter, srcDir); err != nil {
		return apperrors.Storage("archive results", err)
	}
	if err := tarWriter.Close(); err != nil {
		return apperrors.Storage("archive results", err)
	}
	if err := gzWriter.Close(); err != nil {
		return apperrors.Storage("archive results", err)
	}
	return nil
}

func archiveDir(tw *tar.Writer, srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			header.Name += "/"
			return tw.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		// The worker may still be appending to a file; copy only what the
		// header announced.
		if _, err := io.CopyN(tw, file, header.Size); err != nil {
			return fmt.Errorf("failed to write file to tar: %w", err)
		}
		return nil
	})
}

// LogPath returns the path of the job's captured worker output.
func (m *Manager) LogPath(id string) string {
	return filepath.Join(m.ResultsDir(id), LogFile)
}

// OpenLog opens the job's log for appending, creating the results
// directory if needed.
func (m *Manager) OpenLog(id string) (io.WriteCloser, error) {
	if err := job.ValidateID(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.ResultsDir(id), 0o755); err != nil {
		return nil, apperrors.Storage("create results directory", err)
	}
	f, err := os.OpenFile(m.LogPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.Storage("open job log", err)
	}
	return f, nil
}

// TailLog returns up to n trailing lines of the job's log. A missing log
// yields no lines.
func (m *Manager) TailLog(id string, n int) ([]string, error) {
	if err := job.ValidateID(id); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []string{}, nil
	}

	f, err := os.Open(m.LogPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperrors.Storage("open job log", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	start := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[start] = scanner.Text()
		start = (start + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Storage("read job log", err)
	}

	out := make([]string, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

package artifact

import (
	"bytes"
	"eemt-orchestrator/internal/apperrors"
	"eemt-orchestrator/internal/job"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultInputName = "input.tif"

// TIFF byte-order marks followed by the classic (42) or BigTIFF (43) magic.
var tiffSignatures = [][]byte{
	{'I', 'I', 0x2a, 0x00},
	{'M', 'M', 0x00, 0x2a},
	{'I', 'I', 0x2b, 0x00},
	{'M', 'M', 0x00, 0x2b},
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeName reduces an uploaded file name to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return defaultInputName
	}
	return name
}

// IsTIFF reports whether header starts with a TIFF or BigTIFF signature.
func IsTIFF(header []byte) bool {
	for _, sig := range tiffSignatures {
		if bytes.HasPrefix(header, sig) {
			return true
		}
	}
	return false
}

// StageInput writes the uploaded raster to uploads/<id>/<name> after checking
// its format signature and size, and returns the input reference relative to
// the data root. Nothing is left on disk when validation fails.
func (m *Manager) StageInput(id, name string, r io.Reader) (string, error) {
	if err := job.ValidateID(id); err != nil {
		return "", err
	}
	if r == nil {
		return "", apperrors.ValidationCode(apperrors.CodeMissingInput, "input", "input file is required")
	}

	header := make([]byte, len(tiffSignatures[0]))
	n, err := io.ReadFull(r, header)
	switch {
	case n == 0 && errors.Is(err, io.EOF):
		return "", apperrors.ValidationCode(apperrors.CodeMissingInput, "input", "input file is empty")
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		return "", apperrors.Storage("read input", err)
	case !IsTIFF(header[:n]):
		return "", apperrors.ValidationCode(apperrors.CodeUnsupportedInput, "input", "input must be a GeoTIFF file")
	}

	name = SanitizeName(name)
	dir := filepath.Join(m.root, uploadsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Storage("create upload directory", err)
	}
	dest := filepath.Join(dir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", apperrors.Storage("create input file", err)
	}

	body := io.MultiReader(bytes.NewReader(header[:n]), r)
	written, err := io.Copy(f, io.LimitReader(body, m.maxUploadSize+1))
	closeErr := f.Close()

	switch {
	case err != nil:
		err = apperrors.Storage("write input file", err)
	case closeErr != nil:
		err = apperrors.Storage("write input file", closeErr)
	case written > m.maxUploadSize:
		err = apperrors.ValidationCode(apperrors.CodeInputTooLarge, "input",
			fmt.Sprintf("input exceeds maximum size of %d bytes", m.maxUploadSize))
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	return path.Join(uploadsDir, id, name), nil
}

// DiscardInput removes a staged input. Used when a submission fails after
// staging.
func (m *Manager) DiscardInput(id string) error {
	if err := job.ValidateID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.root, uploadsDir, id)); err != nil {
		return apperrors.Storage("discard input", err)
	}
	return nil
}

// InputName returns the file name part of an input reference.
func InputName(inputRef string) string {
	return path.Base(inputRef)
}

package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/farouk15160/edgeconnect/internal/fsutil"
)

var (
	// ErrConfigurationExists is returned when a bridge file for the cloud
	// is already present.
	ErrConfigurationExists = errors.New("connection configuration already exists")

	// ErrPersistFailed is returned when a configuration file could not be
	// written.
	ErrPersistFailed = errors.New("failed to persist bridge configuration")
)

// WriteFunc stores data at path. The default is fsutil.WriteAtomic.
type WriteFunc func(path string, data []byte, perm os.FileMode) error

// Writer persists bridge and shared broker configuration below Dir.
type Writer struct {
	Dir string

	// WriteFile replaces the default staged writer, e.g. to inject
	// failures in tests.
	WriteFile WriteFunc
}

// NewWriter returns a Writer for the bridge configuration directory.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir}
}

// Path returns the location of a configuration file.
func (w *Writer) Path(fileName string) string {
	return filepath.Join(w.Dir, fileName)
}

// CheckAbsent fails with ErrConfigurationExists if fileName is present.
// It only looks, so it is safe to run before anything else. A path that
// cannot be inspected is reported as is.
func (w *Writer) CheckAbsent(cloudName, fileName string) error {
	exists, err := fsutil.Exists(w.Path(fileName))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s (remove %s to reconnect)", ErrConfigurationExists, cloudName, w.Path(fileName))
	}
	return nil
}

// Exists reports whether the bridge file fileName is present.
func (w *Writer) Exists(fileName string) (bool, error) {
	return fsutil.Exists(w.Path(fileName))
}

// Write renders and stores the bridge file first and the shared options
// second. Each file is written through a staged draft, so a failed write
// leaves its destination untouched. Removing an already written bridge
// file after a failure is the caller's job (see Cleanup).
func (w *Writer) Write(spec Specification, common CommonOptions) error {
	var bridgeConf, commonConf bytes.Buffer
	if err := spec.Serialize(&bridgeConf); err != nil {
		return fmt.Errorf("%w: rendering %s: %w", ErrPersistFailed, spec.ConfigFileName, err)
	}
	if err := common.Serialize(&commonConf); err != nil {
		return fmt.Errorf("%w: rendering %s: %w", ErrPersistFailed, common.ConfigFileName, err)
	}

	write := w.WriteFile
	if write == nil {
		write = fsutil.WriteAtomic
	}
	if err := write(w.Path(spec.ConfigFileName), bridgeConf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := write(w.Path(common.ConfigFileName), commonConf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return nil
}

// Cleanup removes the bridge file of spec. A missing file is fine.
func (w *Writer) Cleanup(spec Specification) error {
	return fsutil.RemoveIfExists(w.Path(spec.ConfigFileName))
}

package delivery

import (
	"context"
	"os"
	"path/filepath"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
)

// Dir writes each frame to a file named after its catalog entry.
type Dir struct {
	root string
}

// NewDir creates a directory sink. The directory is created on first use.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the target directory.
func (d *Dir) Root() string { return d.root }

// Deliver implements Sink. Files are written to a temp name and renamed, so a
// reader never sees a partial frame.
func (d *Dir) Deliver(ctx context.Context, entries []catalog.Entry) error {
	if err := os.MkdirAll(d.root, dirPerm); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDeliveryFailed, "create delivery dir").WithMetadata("dir", d.root)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.write(e); err != nil {
			return apperrors.Wrap(err, apperrors.CodeDeliveryFailed, "write frame").WithMetadata("name", e.Name)
		}
	}
	return nil
}

func (d *Dir) write(e catalog.Entry) error {
	path := filepath.Join(d.root, filepath.Base(e.Name))
	tmp, err := os.CreateTemp(d.root, ".frame-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(e.Data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

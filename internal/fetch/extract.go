package fetch

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/m87-labs/moondream-station/internal/errors"
)

// ExtractTarGz unpacks a gzip-compressed tar archive into destDir.
// Entries that would escape destDir are rejected.
func ExtractTarGz(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return errors.New(errors.CodeArchiveExtract).Wrap(err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return errors.New(errors.CodeArchiveExtract).
			WithDetail("%s is not a gzip archive", archivePath).
			Wrap(err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return errors.New(errors.CodeArchiveExtract).Wrap(err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.New(errors.CodeArchiveExtract).Wrap(err)
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.New(errors.CodeArchiveExtract).Wrap(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.New(errors.CodeArchiveExtract).Wrap(err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return errors.New(errors.CodeArchiveExtract).Wrap(err)
			}
			_, err = io.Copy(out, tr)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return errors.New(errors.CodeArchiveExtract).
					WithDetail("could not write %s", target).
					Wrap(err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return errors.New(errors.CodeArchiveExtract).Wrap(err)
			}
		default:
			// Other entry types (devices, fifos) are not expected in
			// release archives and are skipped.
		}
	}
}

// securePath joins name onto destDir and rejects escapes.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", errors.New(errors.CodeArchiveExtract).
			WithDetail("archive entry %q escapes the destination directory", name)
	}
	return target, nil
}

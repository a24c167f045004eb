package installer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pptb-app/pptb/internal/fault"
)

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatZip
	formatTarGz
)

var (
	zipMagic  = []byte{0x50, 0x4B, 0x03, 0x04}
	gzipMagic = []byte{0x1F, 0x8B}
)

// detectArchiveFormat sniffs the file's magic bytes rather than
// trusting its extension.
func detectArchiveFormat(path string) (archiveFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return formatUnknown, err
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return formatUnknown, err
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, zipMagic):
		return formatZip, nil
	case bytes.HasPrefix(header, gzipMagic):
		return formatTarGz, nil
	default:
		return formatUnknown, fault.New(fault.KindInvalidArgument, "unrecognized archive format")
	}
}

func extractArchive(ctx context.Context, archivePath, destDir string) error {
	format, err := detectArchiveFormat(archivePath)
	if err != nil {
		return err
	}
	switch format {
	case formatZip:
		return extractZip(ctx, archivePath, destDir)
	case formatTarGz:
		return extractTarGz(ctx, archivePath, destDir)
	default:
		return fault.New(fault.KindInvalidArgument, "unsupported archive format")
	}
}

// safeJoin resolves name under destDir and rejects entries that would
// escape it.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fault.New(fault.KindInvalidArgument, "archive entry escapes destination: %s", name)
	}
	target := filepath.Join(destDir, cleaned)
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", fault.New(fault.KindInvalidArgument, "archive entry escapes destination: %s", name)
	}
	return target, nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if len(r.File) > maxFileCount {
		return fault.New(fault.KindInvalidArgument, "archive contains too many files (%d)", len(r.File))
	}

	var totalSize uint64
	for _, f := range r.File {
		totalSize += f.UncompressedSize64
		if totalSize > maxTotalExtractSize {
			return fault.New(fault.KindInvalidArgument, "archive expands beyond the extraction limit")
		}
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			// Symlinks could point outside the install directory.
			continue
		}

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entryMode(f.Mode()))
	if err != nil {
		return err
	}
	defer out.Close()

	// Limit the copy so a forged size field cannot bypass the budget.
	n, err := io.Copy(out, io.LimitReader(rc, maxArchiveSize+1))
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if n > maxArchiveSize {
		return fault.New(fault.KindInvalidArgument, "archive entry %s exceeds the size limit", f.Name)
	}
	return nil
}

func extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var (
		fileCount int
		totalSize int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}

		fileCount++
		if fileCount > maxFileCount {
			return fault.New(fault.KindInvalidArgument, "archive contains too many files")
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			continue
		case tar.TypeDir:
			target, err := safeJoin(destDir, hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			target, err := safeJoin(destDir, hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			n, err := writeTarEntry(tr, target, entryMode(os.FileMode(hdr.Mode)))
			if err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			totalSize += n
			if totalSize > maxTotalExtractSize {
				return fault.New(fault.KindInvalidArgument, "archive expands beyond the extraction limit")
			}
		}
	}
}

func writeTarEntry(r io.Reader, target string, mode os.FileMode) (int64, error) {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(r, maxArchiveSize+1))
	if err != nil {
		return n, err
	}
	if n > maxArchiveSize {
		return n, fault.New(fault.KindInvalidArgument, "archive entry exceeds the size limit")
	}
	return n, nil
}

func entryMode(mode os.FileMode) os.FileMode {
	perm := mode.Perm()
	if perm&0o100 != 0 {
		return 0o755
	}
	return 0o644
}

// copyDir copies a directory tree, skipping symlinks.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, entryMode(info.Mode()))
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

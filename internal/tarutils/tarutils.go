// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package tarutils

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/klauspost/pgzip"
)

// ArchiveEntry is a regular file to store in an archive under Name.
type ArchiveEntry struct {
	Name       string
	SourcePath string
	Mode       int64
}

// CreateTarGzArchiveFromFiles writes the entries, in order, to a gzip compressed tarball.
// Every entry is owned by root and carries modTime, so the archive only depends on the file contents.
func CreateTarGzArchiveFromFiles(outputArchivePath string, entries []ArchiveEntry, modTime time.Time) (err error) {
	logger.Log.Infof("Creating archive (%s)", outputArchivePath)

	outFile, err := os.Create(outputArchivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive (%s):\n%w", outputArchivePath, err)
	}
	defer func() {
		closeErr := outFile.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close archive (%s):\n%w", outputArchivePath, closeErr)
		}
	}()

	gw := pgzip.NewWriter(outFile)
	gw.ModTime = modTime

	tw := tar.NewWriter(gw)

	for _, entry := range entries {
		err = writeFileEntry(tw, entry, modTime)
		if err != nil {
			return fmt.Errorf("failed to add (%s) to archive (%s):\n%w", entry.Name, outputArchivePath, err)
		}
	}

	err = tw.Close()
	if err != nil {
		return fmt.Errorf("failed to finish archive (%s):\n%w", outputArchivePath, err)
	}

	err = gw.Close()
	if err != nil {
		return fmt.Errorf("failed to finish compression of (%s):\n%w", outputArchivePath, err)
	}

	return nil
}

func writeFileEntry(tw *tar.Writer, entry ArchiveEntry, modTime time.Time) error {
	f, err := os.Open(entry.SourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	if !stat.Mode().IsRegular() {
		return fmt.Errorf("(%s) is not a regular file", entry.SourcePath)
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     entry.Name,
		Mode:     entry.Mode,
		Size:     stat.Size(),
		ModTime:  modTime,
		Uname:    "root",
		Gname:    "root",
	}

	err = tw.WriteHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(tw, f)
	return err
}

// ListTarGzArchive returns the names of the entries of a gzip compressed tarball, in archive order.
func ListTarGzArchive(sourceArchivePath string) ([]string, error) {
	names := []string(nil)
	err := walkTarGzArchive(sourceArchivePath, func(header *tar.Header, _ io.Reader) error {
		names = append(names, header.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func ExpandTarGzArchive(sourceArchivePath, outputDir string) error {
	logger.Log.Infof("Expanding archive (%s) to (%s)", sourceArchivePath, outputDir)

	return walkTarGzArchive(sourceArchivePath, func(header *tar.Header, reader io.Reader) error {
		// Reject names that could reference a file outside of the expansion root.
		cleanName := filepath.Clean(header.Name)
		if strings.Contains(cleanName, "..") || filepath.IsAbs(cleanName) {
			return fmt.Errorf("unallowed file reference in archive. (%s) may reference a file outside the expansion root (%s)",
				header.Name, outputDir)
		}

		target := filepath.Join(outputDir, cleanName)

		switch header.Typeflag {
		case tar.TypeDir:
			err := os.MkdirAll(target, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create folder (%s)\n%w", target, err)
			}

		case tar.TypeReg:
			err := os.MkdirAll(filepath.Dir(target), 0o755)
			if err != nil {
				return fmt.Errorf("failed to create parent folder for (%s)\n%w", target, err)
			}

			err = writeExpandedFile(target, reader, os.FileMode(header.Mode))
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("failed to process unsupported file type in archive (%s): (%v)", target, header.Typeflag)
		}

		return nil
	})
}

func writeExpandedFile(target string, reader io.Reader, mode os.FileMode) error {
	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create (%s):\n%w", target, err)
	}
	defer outFile.Close()

	_, err = io.Copy(outFile, reader)
	if err != nil {
		return fmt.Errorf("failed to copy (%s) from archive:\n%w", target, err)
	}

	return outFile.Close()
}

func walkTarGzArchive(sourceArchivePath string, fn func(header *tar.Header, reader io.Reader) error) error {
	f, err := os.Open(sourceArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive (%s):\n%w", sourceArchivePath, err)
	}
	defer f.Close()

	gzr, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader for (%s):\n%w", sourceArchivePath, err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read header from archive (%s):\n%w", sourceArchivePath, err)
		}

		err = fn(header, tr)
		if err != nil {
			return err
		}
	}

	return nil
}

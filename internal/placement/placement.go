// Package placement implements the atomic tile-placement policy: where
// a finished tile lands, whether it replaces an existing file, and
// when the incumbent is preserved in the backup tree.
package placement

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/dxt1"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
)

// Overwrite is the placement policy selector, per the `over` CLI/config
// option.
type Overwrite int

const (
	OverwriteSkip       Overwrite = 0
	OverwriteIfBigger    Overwrite = 1
	OverwriteAlways      Overwrite = 2
)

// Decision is the outcome of evaluating the placement policy, exposed
// for logging/testing.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionBackupThenPlace
	DecisionPlace
)

// Place moves source into root's tree at the directory/filename derived
// from tm, applying the overwrite policy, then updates idx. ext is "dds"
// or "png".
func Place(source string, tm geodesy.TileMetadata, root, backup string, mode Overwrite, ext string, idx *cacheindex.Index, log *logrus.Entry) (Decision, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "placement")

	destDir := filepath.Join(root, tm.Dir10(), tm.Dir1())
	dest := filepath.Join(destDir, fmt.Sprintf("%07d.%s", tm.ID, ext))

	absSrc, _ := filepath.Abs(source)
	absDest, _ := filepath.Abs(dest)
	if absSrc == absDest {
		return DecisionPlace, nil
	}

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := moveInto(source, dest); err != nil {
			return DecisionSkip, err
		}
		recordPlacement(idx, dest, tm)
		return DecisionPlace, nil
	}

	switch mode {
	case OverwriteSkip:
		os.Remove(source)
		return DecisionSkip, nil

	case OverwriteIfBigger:
		existingWidth, err := measureWidth(dest)
		if err != nil {
			log.WithError(err).WithField("path", dest).Warn("existing destination unreadable, treating as corrupt")
			os.Remove(dest)
			idx.Remove(dest)
			if err := moveInto(source, dest); err != nil {
				return DecisionSkip, err
			}
			recordPlacement(idx, dest, tm)
			return DecisionPlace, nil
		}
		if tm.WidthPx <= existingWidth {
			os.Remove(source)
			return DecisionSkip, nil
		}
		if err := backupExisting(dest, existingWidth, backup, tm, ext, idx); err != nil {
			return DecisionSkip, err
		}
		if err := moveInto(source, dest); err != nil {
			return DecisionSkip, err
		}
		recordPlacement(idx, dest, tm)
		return DecisionBackupThenPlace, nil

	case OverwriteAlways:
		existingWidth, err := measureWidth(dest)
		if err == nil {
			if err := backupExisting(dest, existingWidth, backup, tm, ext, idx); err != nil {
				return DecisionSkip, err
			}
		} else {
			os.Remove(dest)
			idx.Remove(dest)
		}
		if err := moveInto(source, dest); err != nil {
			return DecisionSkip, err
		}
		recordPlacement(idx, dest, tm)
		return DecisionBackupThenPlace, nil
	}
	return DecisionSkip, fmt.Errorf("placement: unknown overwrite mode %d", mode)
}

func measureWidth(path string) (int, error) {
	switch filepath.Ext(path) {
	case ".dds":
		img, err := dxt1.DecodeFile(path)
		if err != nil {
			return 0, err
		}
		return img.Bounds().Dx(), nil
	case ".png":
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		if len(data) < 24 || string(data[12:16]) != "IHDR" {
			return 0, fmt.Errorf("placement: malformed png %s", path)
		}
		return int(data[16])<<24 | int(data[17])<<16 | int(data[18])<<8 | int(data[19]), nil
	default:
		return 0, fmt.Errorf("placement: unknown extension for %s", path)
	}
}

func backupExisting(dest string, width int, backupRoot string, tm geodesy.TileMetadata, ext string, idx *cacheindex.Index) error {
	backupDir := filepath.Join(backupRoot, strconv.Itoa(width), tm.Dir10(), tm.Dir1())
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%07d.%s", tm.ID, ext))
	if err := moveInto(dest, backupPath); err != nil {
		return err
	}
	idx.Remove(dest)
	if info, err := os.Stat(backupPath); err == nil {
		idx.Put(cacheindex.CacheRecord{
			Path: backupPath, ID: tm.ID, Size: info.Size(), LastModified: info.ModTime(),
			SizeID: sizeIDForWidth(width), Width: width, Height: width,
		})
	}
	return nil
}

func recordPlacement(idx *cacheindex.Index, dest string, tm geodesy.TileMetadata) {
	info, err := os.Stat(dest)
	if err != nil {
		return
	}
	idx.Put(cacheindex.CacheRecord{
		Path: dest, ID: tm.ID, Size: info.Size(), LastModified: info.ModTime(),
		SizeID: tm.SizeID, Width: tm.WidthPx, Height: tm.WidthPx,
	})
}

func sizeIDForWidth(w int) int {
	sizes := [7]int{512, 1024, 2048, 4096, 8192, 16384, 32768}
	for i, s := range sizes {
		if s == w {
			return i
		}
	}
	return 0
}

// moveInto renames src to dest, creating dest's parent directories first.
// It falls back to copy+remove whenever the rename fails (for example
// across filesystems, EXDEV).
func moveInto(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	return copyThenRemove(src, dest)
}

func copyThenRemove(src, dest string) error {
	tmp := dest + ".tmp"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// TouchTempStagingCleanup removes a leftover "*.tmp" staging file
// best-effort.
func TouchTempStagingCleanup(path string) {
	os.Remove(path + ".tmp")
}

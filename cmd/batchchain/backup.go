package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/batchchain/internal/store"
)

var (
	backupFile       string
	restoreOverwrite bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write the data directory to a .tar.zst archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		// Fold the WAL into the main database file first.
		if db, err := store.New(cfg.Store); err == nil {
			if err := db.Checkpoint(); err != nil {
				slog.Warn("store checkpoint failed", "error", err)
			}
			db.Close()
		}

		dataDir := filepath.Dir(cfg.Store.Path)
		size, err := createBackup(dataDir, backupFile)
		if err != nil {
			return err
		}
		fmt.Printf("Backup complete: %s, %s\n", dataDir, formatSize(size))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Extract a .tar.zst archive into the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		dataDir := filepath.Dir(cfg.Store.Path)
		if !restoreOverwrite {
			if _, err := os.Stat(cfg.Store.Path); err == nil {
				return fmt.Errorf("database %s already exists, add --overwrite to replace files", cfg.Store.Path)
			}
		}
		if err := restoreBackup(backupFile, dataDir); err != nil {
			return err
		}
		fmt.Printf("Restore complete: %s\n", dataDir)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupFile, "file", "f", "", "output archive (.tar.zst)")
	_ = backupCmd.MarkFlagRequired("file")
	restoreCmd.Flags().StringVarP(&backupFile, "file", "f", "", "input archive (.tar.zst)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace existing files")
	_ = restoreCmd.MarkFlagRequired("file")
}

// createBackup tars dataDir into a zstd-compressed file at out and returns
// the size of the archive.
func createBackup(dataDir, out string) (int64, error) {
	if _, err := os.Stat(dataDir); err != nil {
		return 0, fmt.Errorf("data directory: %w", err)
	}

	tarStream, err := goarchive.TarWithOptions(dataDir, &goarchive.TarOptions{})
	if err != nil {
		return 0, fmt.Errorf("tar data directory: %w", err)
	}
	defer tarStream.Close()

	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, tarStream); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write archive: %w", err)
	}

	// Close explicitly to catch write errors.
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		return 0, nil
	}
	return info.Size(), nil
}

func restoreBackup(in, dataDir string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := goarchive.UntarUncompressed(zr, dataDir, &goarchive.TarOptions{NoLchown: true}); err != nil {
		if errors.Is(err, zstd.ErrMagicMismatch) {
			return fmt.Errorf("%s is not a zstd archive", in)
		}
		return fmt.Errorf("extract archive: %w", err)
	}
	return nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

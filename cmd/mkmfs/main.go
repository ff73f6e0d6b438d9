// Command mkmfs builds an mfs filesystem image offline -- the spec 4.13
// "mkmfs" counterpart to mounting: lay down a fresh superblock and empty
// inode/directory trees on a file, without booting the kernel at all.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justanotherdot/mello/internal/bootcfg"
	"github.com/justanotherdot/mello/internal/fs/mfs"
	"github.com/justanotherdot/mello/internal/klog"
)

func main() {
	cfg := bootcfg.Default()
	var imagePath string
	var sizeMB int

	root := &cobra.Command{
		Use:   "mkmfs",
		Short: "Format an mfs filesystem image",
		RunE: func(cmd *cobra.Command, args []string) error {
			logRoot, err := klog.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logRoot.Sync()
			log := logRoot.For("mkmfs")

			numBlocks := uint64(sizeMB) * 1024 * 1024 / mfs.BlockSize
			if numBlocks == 0 {
				return fmt.Errorf("mkmfs: size too small for at least one block")
			}

			dev, err := mfs.OpenFileDevice(imagePath, numBlocks)
			if err != nil {
				return err
			}
			defer dev.Close()

			if _, err := mfs.Format(dev, log); err != nil {
				return fmt.Errorf("mkmfs: format: %w", err)
			}
			log.Info("image formatted", "path", imagePath, "blocks", numBlocks)
			return nil
		},
	}
	root.Flags().StringVar(&imagePath, "image", "mello.img", "path to the image file to create")
	root.Flags().IntVar(&sizeMB, "size-mb", 64, "image size in MiB")
	cfg.BindFlags(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

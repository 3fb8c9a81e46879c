package cmd

import (
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/objrun/objrun/internal/utils"
	"github.com/objrun/objrun/pkg/rtlib"
)

func init() {
	rootCmd.AddCommand(indexCmd)
}

// indexCmd represents the index command
var indexCmd = &cobra.Command{
	Use:           "index <dir>",
	Short:         "Build the symbol hash index for a module directory",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Clean(args[0])
		if !utils.Exists(dir) {
			return errors.Errorf("%s: no such directory", dir)
		}
		if err := rtlib.BuildIndex(dir); err != nil {
			return err
		}
		out := filepath.Join(dir, rtlib.HashFile)
		log.WithFields(log.Fields{
			"index": out,
			"size":  utils.FileSize(out),
		}).Info("symbol index written")
		return nil
	},
}

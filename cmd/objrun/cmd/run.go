package cmd

import (
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/objrun/objrun/internal/config"
	"github.com/objrun/objrun/internal/utils"
	"github.com/objrun/objrun/pkg/compiler"
	"github.com/objrun/objrun/pkg/object"
	"github.com/objrun/objrun/pkg/resolver"
	"github.com/objrun/objrun/pkg/rtlib"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("opt", "O", "-O2", "optimization flag passed to clang")
	runCmd.Flags().StringArrayP("include", "I", nil, "extra include directories")
	runCmd.Flags().Bool("no-cache", false, "do not generate cache containers on exit")
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:           "run <file> [args...]",
	Short:         "Compile (if needed), load and interpret an object",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		noCache, _ := cmd.Flags().GetBool("no-cache")
		if noCache {
			cfg.NoCache = true
		}

		file := filepath.Clean(args[0])
		if !utils.Exists(file) {
			return errors.Errorf("%s: no such file", file)
		}

		rt := rtlib.NewAt(cfg.Repo)
		rt.LoadAll()

		loader, err := resolver.New(resolver.Options{
			LibDir:  sharedLibDir(),
			Runtime: rt,
		})
		if err != nil {
			return err
		}

		path := file
		if compiler.IsSource(file) {
			opt, _ := cmd.Flags().GetString("opt")
			incs, _ := cmd.Flags().GetStringArray("include")
			path, err = compiler.Compile(file, nil, &compiler.Options{
				Clang:    cfg.Clang,
				Opt:      opt,
				Includes: incs,
				Runtime:  rt,
			})
			if err != nil {
				return err
			}
		}

		obj, err := object.Create(file, path, loader)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"object": obj.String(),
			"size":   utils.FileSize(path),
		}).Debug("loaded")

		loader.CacheObject(obj)
		loader.Seal()

		ret, err := execute(obj, loader, args[1:])
		if err != nil {
			return err
		}
		if ret == 0 && !cfg.NoCache {
			loader.CacheAll()
		}
		if ret != 0 {
			os.Exit(int(ret))
		}
		return nil
	},
}

// sharedLibDir is the grouped shared-library directory shipped beside
// the binary; absent in bare checkouts, which the resolver tolerates.
func sharedLibDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "..", "lib")
}

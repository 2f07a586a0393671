// Command pifsutil is a small CLI demo driving a simulated flash image
// through the pifs library: format, list, read and write files, and check
// consistency, persisting the image to a flat file between invocations.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pifs-project/pifs/pifs"
	"github.com/pifs-project/pifs/internal/flashsim"
)

var imagePath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pifsutil",
		Short: "Inspect and manipulate a simulated PIFS flash image",
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "pifs.img", "path to the flash image file")
	root.AddCommand(
		newFormatCmd(),
		newLsCmd(),
		newCatCmd(),
		newWriteCmd(),
		newRmCmd(),
		newMkdirCmd(),
		newStatCmd(),
		newFsckCmd(),
	)
	return root
}

func openSim(cfg pifs.Config) (*flashsim.Sim, error) {
	sim := flashsim.New(cfg.Geometry, cfg.FlashErasedValue)
	if err := sim.LoadFile(imagePath); err != nil {
		return nil, err
	}
	return sim, nil
}

func mountExisting(cfg pifs.Config) (*pifs.FS, *flashsim.Sim, error) {
	sim, err := openSim(cfg)
	if err != nil {
		return nil, nil, err
	}
	fs, err := pifs.New(sim, cfg, logrus.StandardLogger())
	if err != nil {
		return nil, nil, err
	}
	return fs, sim, nil
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Create a fresh, empty filesystem image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			sim := flashsim.New(cfg.Geometry, cfg.FlashErasedValue)
			fs, err := pifs.Format(sim, cfg, logrus.StandardLogger())
			if err != nil {
				return err
			}
			if err := fs.Sync(); err != nil {
				return err
			}
			if err := sim.SaveFile(imagePath); err != nil {
				return err
			}
			fmt.Printf("formatted %s (%d blocks x %d pages x %d bytes)\n", imagePath, cfg.BlockNumAll, cfg.PagesPerBlock, cfg.PageSize)
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			fs, _, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			dir, err := fs.OpenDir("/")
			if err != nil {
				return err
			}
			defer dir.Close()
			for {
				e, ok := dir.Read()
				if !ok {
					break
				}
				kind := "-"
				if e.IsDir {
					kind = "d"
				}
				fmt.Printf("%s %8d %s\n", kind, e.Size, e.Name)
			}
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name>",
		Short: "Print a file's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			fs, _, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			f, err := fs.Open(args[0], "r")
			if err != nil {
				return err
			}
			defer f.Close()
			buf := make([]byte, cfg.PageSize)
			for {
				n, err := f.Read(buf)
				if n > 0 {
					os.Stdout.Write(buf[:n])
				}
				if err != nil {
					if pifs.IsEOF(err) {
						return nil
					}
					return err
				}
			}
		},
	}
}

func newWriteCmd() *cobra.Command {
	var appendMode bool
	cmd := &cobra.Command{
		Use:   "write <name>",
		Short: "Write stdin to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			fs, sim, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			mode := "w"
			if appendMode {
				mode = "a"
			}
			f, err := fs.Open(args[0], mode)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			if _, err := f.Write(data); err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if err := fs.Sync(); err != nil {
				return err
			}
			return sim.SaveFile(imagePath)
		},
	}
	cmd.Flags().BoolVar(&appendMode, "append", false, "append instead of truncating")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			fs, sim, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			if err := fs.Remove(args[0]); err != nil {
				return err
			}
			if err := fs.Sync(); err != nil {
				return err
			}
			return sim.SaveFile(imagePath)
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <name>",
		Short: "Create a directory (requires Config.EnableDirectories)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			cfg.EnableDirectories = true
			fs, sim, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			if err := fs.Mkdir(args[0]); err != nil {
				return err
			}
			if err := fs.Sync(); err != nil {
				return err
			}
			return sim.SaveFile(imagePath)
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show free/used/to-be-released space",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			fs, _, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			free, err := fs.GetFreeSpace()
			if err != nil {
				return err
			}
			tbr, err := fs.GetToBeReleasedSpace()
			if err != nil {
				return err
			}
			fmt.Printf("free: %d bytes\nto-be-released: %d bytes\n", free, tbr)
			return nil
		},
	}
}

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Check filesystem consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pifs.DefaultConfig()
			fs, _, err := mountExisting(cfg)
			if err != nil {
				return err
			}
			problems, err := fs.Check()
			if err != nil {
				return err
			}
			if len(problems) == 0 {
				fmt.Println("ok")
				return nil
			}
			for _, p := range problems {
				fmt.Println(p)
			}
			return fmt.Errorf("%d problem(s) found", len(problems))
		},
	}
}

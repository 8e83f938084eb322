package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/install"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var limitsPath string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Run the install pre-flight checks on an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits := config.DefaultLimits()
			if limitsPath != "" {
				var err error
				if limits, err = config.LoadLimits(limitsPath); err != nil {
					return err
				}
			}
			pf, err := install.Check(args[0], limits)
			if err != nil {
				return fmt.Errorf("%s: %s", barerr.CodeOf(err), barerr.Message(err))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok: bar_version=%s schema=%s entries=%d resources=%d\n",
				pf.Manifest.BarVersion, pf.Manifest.Schema, pf.Total, len(pf.Index.Nodes()))
			return nil
		},
	}
	cmd.Flags().StringVar(&limitsPath, "limits", "", "limits file (yaml)")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <file>",
		Short: "List archive entries in walk order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := archive.Open(args[0])
			if err != nil {
				return err
			}
			defer c.Close()
			w, err := c.Walk("")
			if err != nil {
				return err
			}
			defer w.Close()
			out := cmd.OutOrStdout()
			for {
				entry, err := w.Next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				mode := "-"
				if entry.Dir {
					mode = "d"
				}
				fmt.Fprintf(out, "%s %10d %s\n", mode, entry.Size, entry.Name)
			}
		},
	}
}

func newPackCmd() *cobra.Command {
	var format string
	var skipCheck bool
	cmd := &cobra.Command{
		Use:   "pack <dir> <file>",
		Short: "Pack an unpacked archive tree into an archive",
		Long:  "pack writes every file below <dir> in lexical order, which keeps the bar/ layout in install order for stream encodings.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := archive.ParseEncoding(format)
			if err != nil {
				return err
			}
			n, err := packDir(args[0], args[1], enc)
			if err != nil {
				return err
			}
			if !skipCheck {
				if _, err := install.Check(args[1], nil); err != nil {
					_ = os.Remove(args[1])
					return fmt.Errorf("packed archive rejected: %s: %s", barerr.CodeOf(err), barerr.Message(err))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "packed %d entries into %s (%s)\n", n, args[1], enc)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "zip", "archive encoding: zip, tar, tar.gz, tar.zst")
	cmd.Flags().BoolVar(&skipCheck, "no-check", false, "skip the pre-flight check of the result")
	return cmd
}

func packDir(dir, out string, enc archive.Encoding) (int, error) {
	if _, err := os.Stat(filepath.Join(dir, "bar")); err != nil {
		return 0, fmt.Errorf("%s has no bar/ directory: %w", dir, err)
	}
	w, err := archive.Create(out, enc)
	if err != nil {
		return 0, err
	}
	n := 0
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		n++
		if d.IsDir() {
			return w.Mkdir(name)
		}
		// #nosec G304 -- CLI packs operator-provided trees.
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		return w.WriteBinary(name, f)
	})
	closeErr := w.Close()
	if walkErr == nil {
		walkErr = closeErr
	}
	if walkErr != nil {
		_ = os.Remove(out)
		return 0, walkErr
	}
	return n, nil
}

func newUnpackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <file> <dir>",
		Short: "Extract an archive into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := unpack(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unpacked %d entries into %s\n", n, args[1])
			return nil
		},
	}
}

func unpack(file, dir string) (int, error) {
	c, err := archive.Open(file)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	w, err := c.Walk("")
	if err != nil {
		return 0, err
	}
	defer w.Close()
	n := 0
	for {
		entry, err := w.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		rel := filepath.FromSlash(entry.Name)
		if !filepath.IsLocal(rel) {
			return n, fmt.Errorf("entry %s escapes %s", entry.Name, dir)
		}
		target := filepath.Join(dir, rel)
		if entry.Dir {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return n, err
			}
			n++
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return n, err
		}
		if err := writeFile(target, entry.Body); err != nil {
			return n, err
		}
		n++
	}
}

func writeFile(p string, r io.Reader) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if r != nil {
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

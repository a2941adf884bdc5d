package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"minfs/pkg/stream"
	"minfs/pkg/utils"

	"github.com/spf13/cobra"
)

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			if !s.fs.IsDirectory(ctx, dir) {
				return fmt.Errorf("not a directory: %s", dir)
			}

			items := s.fs.List(ctx, dir)
			if len(items) == 0 {
				fmt.Println(mutedStyle.Render("(empty)"))
				return nil
			}
			fmt.Println(renderListing(items))
			return nil
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show metadata and replica locations of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			fd := s.fs.Stat(ctx, args[0])
			if fd == nil {
				return fmt.Errorf("no such file or directory: %s", args[0])
			}
			fmt.Println(renderDescriptor(fd))
			return nil
		},
	}
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.fs.Mkdir(ctx, args[0]) {
				return fmt.Errorf("failed to create directory %s", args[0])
			}
			fmt.Printf("Created directory %s\n", args[0])
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.fs.DeleteWithOptions(ctx, args[0], recursive) {
				return fmt.Errorf("failed to delete %s", args[0])
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories and their contents")
	return cmd
}

func putCmd() *cobra.Command {
	var chunkSize string

	cmd := &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			chunk, err := utils.ParseDataSize(chunkSize)
			if err != nil {
				return fmt.Errorf("invalid chunk size: %w", err)
			}

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			remote := args[1]
			if s.fs.IsDirectory(ctx, remote) {
				remote = path.Join(remote, path.Base(args[0]))
			}

			out, err := s.fs.Create(ctx, remote)
			if err != nil {
				return err
			}

			started := time.Now()
			n, err := out.WriteFile(args[0], int(chunk), func(pct float64) {
				fmt.Fprintf(os.Stderr, "\r%s %5.1f%%", renderProgressBar(pct, 30), pct)
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}

			fmt.Printf("Uploaded %s to %s in %s (md5 %s)\n",
				utils.FormatDataSize(n), remote, time.Since(started).Round(time.Millisecond), out.Checksum())
			return nil
		},
	}

	cmd.Flags().StringVar(&chunkSize, "chunk-size", "1MiB", "size of each read from the local file")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> <local>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			in, err := s.fs.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			f, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("failed to create local file: %w", err)
			}
			defer f.Close()

			n, err := copyStream(f, in)
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}
			fmt.Printf("Downloaded %s to %s\n", utils.FormatDataSize(n), args[1])
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			in, err := s.fs.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			_, err = copyStream(os.Stdout, in)
			return err
		},
	}
}

func md5Cmd() *cobra.Command {
	return &cobra.Command{
		Use:   "md5 <path>",
		Short: "Compute the MD5 checksum of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			in, err := s.fs.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			sum, err := in.CalculateChecksum()
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", sum, args[0])
			return nil
		},
	}
}

// copyStream copies in to w and fails if a replica outage cut it short.
func copyStream(w io.Writer, in *stream.InputStream) (int64, error) {
	n, err := io.Copy(w, in)
	if err != nil {
		return n, err
	}
	if n < in.Size() {
		return n, fmt.Errorf("short read: got %d of %d bytes", n, in.Size())
	}
	return n, nil
}

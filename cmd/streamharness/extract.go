package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/streamharness/internal/endpoint"
	"github.com/CZERTAINLY/streamharness/internal/feed"
	"github.com/CZERTAINLY/streamharness/internal/lines"

	"github.com/spf13/cobra"
)

func (a *app) extractCmd() *cobra.Command {
	var (
		resourceName string
		scheme       string
		writeDir     string
		feedName     string
	)

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "extract prints the endpoint announced in a captured server output",
		Long: "extract reads a captured server output from file or standard input and prints\n" +
			"the endpoint announced for the resource. With --write it writes the feed config too.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening server output: %w", err)
				}
				defer func() {
					_ = f.Close()
				}()
				r = f
			}

			var opts []endpoint.Option
			if scheme != "" {
				opts = append(opts, endpoint.WithScheme(scheme))
			}
			extractor := endpoint.New(resourceName, opts...)
			url, err := extractor.Extract(lines.Lines(r))
			if err != nil {
				slog.Debug("extraction failed", "state", extractor.State())
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), url)

			if writeDir == "" {
				return nil
			}
			path, err := feed.Write(writeDir, feedName, url)
			if err != nil {
				return err
			}
			// the subject gets exactly what is on the disk
			if _, err := feed.Read(path); err != nil {
				return err
			}
			slog.Info("feed config written", "path", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceName, "resource", "test.264", "name of the served resource")
	cmd.Flags().StringVar(&scheme, "scheme", "", "accept only endpoints with this url scheme")
	cmd.Flags().StringVar(&writeDir, "write", "", "write "+feed.FileName+" to this directory")
	cmd.Flags().StringVar(&feedName, "feed", "main", "feed name used with --write")
	return cmd
}

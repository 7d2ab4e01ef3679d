package main

import (
	"fmt"

	"framebufd/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Sources = []config.Source{{
				ID:         "sample",
				Name:       "Sample clip",
				URL:        "http://localhost:9000/sample/frame_" + config.FramePlaceholder + ".jpg",
				FrameCount: 1800,
				FPS:        30,
			}}
			buf, err := cfg.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(buf))
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// imageEnsurer is implemented by engines that can pull images ahead of time.
type imageEnsurer interface {
	EnsureImage(ctx context.Context, image string) error
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage sandbox images",
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the images used by registered languages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for _, img := range a.Registry.Images() {
			fmt.Fprintln(cmd.OutOrStdout(), img)
		}
		return nil
	},
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull [image...]",
	Short: "Pull sandbox images so first runs start quickly",
	Long: `Pull sandbox images ahead of time. With no arguments every image
used by a registered language is pulled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, logger, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		puller, ok := a.Sandbox.(imageEnsurer)
		if !ok {
			return errors.New("the configured sandbox engine cannot pull images")
		}

		images := args
		if len(images) == 0 {
			images = a.Registry.Images()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var failed int
		for _, img := range images {
			logger.Info().Str("image", img).Msg("ensuring image")
			if err := puller.EnsureImage(ctx, img); err != nil {
				logger.Error().Err(err).Str("image", img).Msg("pull failed")
				failed++
				if ctx.Err() != nil {
					break
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images could not be pulled", failed, len(images))
		}
		return nil
	},
}

func init() {
	imagesCmd.AddCommand(imagesListCmd)
	imagesCmd.AddCommand(imagesPullCmd)
	rootCmd.AddCommand(imagesCmd)
}

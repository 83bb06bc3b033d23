package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/WendelHime/gopeerwire/internal/decoder"
	"github.com/WendelHime/gopeerwire/internal/logic"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	torrentPath string
	outputDir   string
	listenAddr  string
	seed        bool
	maxPeers    int
	logFile     string
	logLevel    string
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a torrent",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(torrentPath)
		if err != nil {
			return err
		}
		defer f.Close()

		// Create a new logger and generate log file
		logOut, err := os.Create(logFile)
		if err != nil {
			return err
		}
		defer logOut.Close()
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

		cfg := logic.DefaultConfig()
		cfg.ListenAddr = listenAddr
		cfg.Seed = seed
		cfg.MaxPeers = maxPeers

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		downloader := logic.NewDownloader(decoder.NewDecoder(logger), cfg, logger)
		done := make(chan struct{})
		go showProgress(downloader, done)
		err = downloader.Download(ctx, f, outputDir)
		close(done)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("failed to download torrent", slog.Any("error", err))
			return err
		}
		return nil
	},
}

func showProgress(d logic.Downloader, done <-chan struct{}) {
	bar := progressbar.DefaultBytes(int64(-1), "retrieving peers")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var max int64 = -1
	for {
		select {
		case <-done:
			bar.Finish()
			fmt.Println()
			return
		case <-ticker.C:
			stats := d.Stats()
			if stats.TotalBytes == 0 {
				continue
			}
			if max != stats.TotalBytes {
				max = stats.TotalBytes
				bar.ChangeMax64(max)
			}
			bar.Set64(stats.CompletedBytes)
			state := "downloading"
			if stats.Completed >= 1 {
				state = "seeding"
			}
			bar.Describe(fmt.Sprintf("%s | peers %d | seed ratio %.2f", state, stats.HealthyPeers, stats.SeedRatio))
		}
	}
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVarP(&torrentPath, "torrent", "t", "", "Specify the input torrent file")
	downloadCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Specify the output directory")
	downloadCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":6881", "Address to accept peers on, empty to disable")
	downloadCmd.Flags().BoolVarP(&seed, "seed", "s", false, "Keep seeding after the download completes")
	downloadCmd.Flags().IntVar(&maxPeers, "max-peers", 30, "Maximum number of connected peers")
	downloadCmd.Flags().StringVar(&logFile, "log-file", "log.txt", "File to write logs to")
	downloadCmd.Flags().StringVar(&logLevel, "log-level", strings.ToLower(slog.LevelError.String()), "Log level: debug, info, warn or error")
	downloadCmd.MarkFlagRequired("torrent")
}

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hokuto/raido"
	"github.com/hokuto/raido/internal/output"
	"github.com/hokuto/raido/internal/utils"
)

var (
	outputPath  string
	workers     int
	retries     int
	timeout     time.Duration
	userAgent   string
	headers     []string
	checksum    string
	urlListFile string
	debug       bool
)

var RaidoVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "raido [urls...]",
	Short:   "Raido is a fast segmented download manager",
	Version: RaidoVersion,
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}
		if checksum != "" && (len(args) > 1 || urlListFile != "") {
			output.PrintError("--checksum only applies to a single download")
			os.Exit(1)
		}

		var entries []utils.DownloadEntry
		if urlListFile != "" {
			var err error
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error reading URL list: %v", err))
				os.Exit(1)
			}
		} else {
			for _, link := range args {
				entries = append(entries, utils.DownloadEntry{URL: link, OutputPath: outputPath})
			}
		}
		for i := range entries {
			if entries[i].OutputPath == "" {
				entries[i].OutputPath = outputNameFor(entries[i].URL)
			}
		}

		manager, err := raido.NewManager(raido.Config{
			Workers:        workers,
			SegmentRetries: retries,
			ConnectTimeout: timeout,
			UserAgent:      userAgent,
			Headers:        parseHeaderArgs(headers),
		})
		if err != nil {
			output.PrintError(fmt.Sprintf("Error initializing manager: %v", err))
			os.Exit(1)
		}
		defer manager.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			manager.CancelAll()
		}()

		var group errgroup.Group
		for _, entry := range entries {
			group.Go(func() error {
				return runDownload(ctx, manager, entry)
			})
		}
		return group.Wait()
	},
}

// runDownload drives one transfer: start it, poll the stats API into a
// progress bar, then report the outcome and optionally verify the
// checksum.
func runDownload(ctx context.Context, manager *raido.Manager, entry utils.DownloadEntry) error {
	id, err := manager.StartDownload(ctx, entry.URL, entry.OutputPath)
	if err != nil {
		output.PrintError(fmt.Sprintf("%s %s: %v", output.StyleSymbols["fail"], entry.URL, err))
		return err
	}
	total := int64(-1)
	if stats, err := manager.Stats(id); err == nil && stats.TotalSize > 0 {
		total = stats.TotalSize
	}
	bar := progressbar.DefaultBytes(total, entry.OutputPath)

	done := make(chan error, 1)
	go func() { done <- manager.Wait(context.Background(), id) }()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if bytes, err := manager.BytesDownloaded(id); err == nil {
				bar.Set64(bytes)
			}
		case err := <-done:
			if err != nil {
				return err
			}
			stats, err := manager.Stats(id)
			if err != nil {
				return err
			}
			bar.Set64(stats.BytesDownloaded)
			fmt.Println()
			return reportOutcome(manager, id, entry, stats)
		}
	}
}

func reportOutcome(manager *raido.Manager, id string, entry utils.DownloadEntry, stats raido.Stats) error {
	switch stats.State {
	case raido.StatusComplete:
		output.PrintSuccess(fmt.Sprintf("%s %s (%s)", output.StyleSymbols["pass"], entry.OutputPath, utils.FormatBytes(uint64(stats.BytesDownloaded))))
	case raido.StatusCancelled:
		output.PrintWarning(fmt.Sprintf("Cancelled %s", entry.OutputPath))
		return nil
	default:
		output.PrintError(fmt.Sprintf("%s %s failed", output.StyleSymbols["fail"], entry.OutputPath))
		return fmt.Errorf("download failed: %s", entry.URL)
	}
	if checksum != "" {
		algorithm, expected, ok := strings.Cut(checksum, ":")
		if !ok {
			output.PrintError("Invalid --checksum, expected algo:hexdigest")
			return fmt.Errorf("invalid checksum argument")
		}
		match, err := manager.VerifyChecksum(id, algorithm, expected)
		if err != nil {
			output.PrintError(fmt.Sprintf("Checksum verification error: %v", err))
			return err
		}
		if !match {
			output.PrintError(fmt.Sprintf("%s checksum mismatch for %s", output.StyleSymbols["fail"], entry.OutputPath))
			return fmt.Errorf("checksum mismatch: %s", entry.OutputPath)
		}
		output.PrintDetail(fmt.Sprintf("%s checksum verified (%s)", output.StyleSymbols["pass"], algorithm))
	}
	return nil
}

func outputNameFor(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return "download.bin"
	}
	base := path.Base(parsed.Path)
	if base == "/" || base == "." || base == "" {
		return "download.bin"
	}
	return base
}

func parseHeaderArgs(args []string) map[string]string {
	parsed := make(map[string]string)
	for _, header := range args {
		if key, value, ok := strings.Cut(header, ":"); ok {
			parsed[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return parsed
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (single URL only)")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 8, "Concurrent segment connections across all downloads")
	rootCmd.Flags().IntVar(&retries, "retries", 3, "Retry attempts per segment")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Connection timeout")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "Custom User-Agent")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Custom header (key: value), repeatable")
	rootCmd.Flags().StringVar(&checksum, "checksum", "", "Verify the finished file, format algo:hexdigest")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "YAML file with a list of downloads")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

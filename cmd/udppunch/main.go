package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "udppunch",
		Short:         "UDP hole punching through a rendezvous server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level [trace, debug, info, warn]")
	rootCmd.AddCommand(versionCmd)
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "udppunch version unknown"
	}

	var revision string
	var modified bool
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			revision = setting.Value[:7]
		}
		if setting.Key == "vcs.modified" {
			modified = setting.Value == "true"
		}
	}

	if revision == "" {
		return "udppunch version " + info.Main.Version
	}
	if modified {
		revision += " (modified)"
	}
	return "udppunch version devel " + revision
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level failed: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	formatter := &log.TextFormatter{
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	}
	if lvl == log.DebugLevel || lvl == log.TraceLevel {
		// Enable function name and line number reporting at debug or trace level
		log.SetReportCaller(true)
		formatter.CallerPrettyfier = func(f *runtime.Frame) (string, string) {
			filename := f.File[strings.LastIndex(f.File, string(os.PathSeparator))+1:]
			caller := strings.Replace(fmt.Sprintf("%s:%d", filename, f.Line), ".go", "", 1)
			return "", "[" + caller + strings.Repeat(" ", max(12-utf8.RuneCountInString(caller), 0)) + "]"
		}
	}
	log.SetFormatter(formatter)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	debug    bool
	eager    bool
	dump     bool
)

var rootCmd = &cobra.Command{
	Use:          "rtld",
	Short:        "Bootstrap module images in an emulated address space and resolve their symbols",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Report unresolved symbols during load")
	rootCmd.PersistentFlags().BoolVar(&eager, "eager", false, "Resolve PLT entries at load time")
	rootCmd.PersistentFlags().BoolVar(&dump, "dump", false, "Dump decoded module objects")

	rootCmd.AddCommand(runCmd, lookupCmd, hashCmd, inspectCmd)
}

func newLogger(w io.Writer) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var option level.Option
	switch strings.ToLower(logLevel) {
	case "debug":
		option = level.AllowDebug()
	case "info":
		option = level.AllowInfo()
	case "warn":
		option = level.AllowWarn()
	case "error":
		option = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", logLevel)
	}
	return level.NewFilter(logger, option), nil
}

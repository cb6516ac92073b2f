package main

import (
	"fmt"
	"os"

	"chatassistant/pkg/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatassistant",
	Short: "Multi-channel AI chat assistant backend",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(config.LoadConfig().LogLevel)
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Неизвестный уровень логирования %q, используется info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

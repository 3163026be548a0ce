// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keepfs",
	Short: "KeepFS - distributed file custody",
	Long: `KeepFS keeps files alive on unreliable storage nodes: it encrypts and
chunks uploads, replicates each chunk across regions per a redundancy tier,
continuously challenges nodes to prove they still hold their replicas, and
repairs any chunk that drops below its target.`,
	PersistentPreRun: configureLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (trace, debug, info, warn, error)")
}

func configureLogging(cmd *cobra.Command, args []string) {
	levelName, _ := cmd.Flags().GetString("log_level")
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		logger.Warn().Str("log_level", levelName).Msg("unknown log level, keeping info")
		return
	}
	logger.SetLevel(level)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

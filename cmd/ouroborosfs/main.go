// ouroborosfs is the ring server and network launcher.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hazardous-sun/ouroboros-fs/pkg/config"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ouroborosfs",
	Short:         "Ring TCP file store & tools",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = log.InfoLevel
		}
		log.SetLevel(level)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "optional YAML config file")
	rootCmd.AddCommand(runCmd, setNetworkCmd)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

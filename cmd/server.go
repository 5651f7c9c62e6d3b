package cmd

import (
	"SyncFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动SyncFM服务器",
	Long:  `启动SyncFM的HTTP与WebSocket服务，提供播放列表API和会话同步`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "syncfm",
	Short: "SyncFM keeps every listener of a session on the same track and position.",
	Long: `SyncFM 是一个同步收听服务：服务端仲裁播放状态并广播，
follow 子命令作为客户端跟随会话播放。`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package cmd

import (
	"ShareFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 ShareFM 服务器",
	Long:  `启动 HTTP 服务，提供分享列表、解密、下载和本地播放接口`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

package cmd

import (
	"fmt"

	"ShareFM/app"
	"ShareFM/model"

	"github.com/spf13/cobra"
)

// 解密和下载共用的内容参数
var (
	contentAddress string
	contentTrack   model.SharedTrack
	contentAlgo    uint8
)

func addContentFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&contentAddress, "address", "a", "", "本机钱包地址")
	cmd.Flags().StringVar(&contentTrack.ContentID, "content", "", "content id")
	cmd.Flags().StringVar(&contentTrack.Owner, "owner", "", "内容所有者")
	cmd.Flags().StringVar(&contentTrack.PiecePointer, "piece", "", "piece pointer")
	cmd.Flags().Uint8Var(&contentAlgo, "algo", model.AlgoAES256GCM, "加密方案")
	cmd.Flags().StringVar(&contentTrack.Title, "title", "", "标题，用于推断文件类型")
	cmd.Flags().StringVar(&contentTrack.Artist, "artist", "", "艺术家")
	cmd.Flags().StringVar(&contentTrack.Album, "album", "", "专辑")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("content")
}

func flagTrack() model.SharedTrack {
	t := contentTrack
	t.Algo = contentAlgo
	return t
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "解密一个分享内容到本地缓存",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.Share.DecryptTrack(cmd.Context(), model.Identity{Address: contentAddress}, flagTrack())
		if err != nil {
			return fmt.Errorf("%s (%w)", model.Reason(err), err)
		}
		fmt.Printf("%s\t%s\n", entry.LocalPath, entry.MimeType)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "解密并保存到本地媒体库",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.Share.Download(cmd.Context(), model.Identity{Address: contentAddress}, flagTrack())
		if err != nil {
			return fmt.Errorf("%s (%w)", model.Reason(err), err)
		}
		fmt.Println(entry.DeviceMediaRef)
		return nil
	},
}

func init() {
	addContentFlags(decryptCmd)
	addContentFlags(downloadCmd)
	rootCmd.AddCommand(decryptCmd, downloadCmd)
}

package cmd

import (
	"fmt"

	"ShareFM/app"
	"ShareFM/model"

	"github.com/spf13/cobra"
)

var (
	resolveGrantee  string
	resolveJSON     bool
	playlistID      string
	playlistOwner   string
	playlistVersion int64
	playlistHash    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "解析分享给钱包的曲目或播放列表",
}

var resolveTracksCmd = &cobra.Command{
	Use:   "tracks",
	Short: "列出所有分享给钱包的曲目",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Share.SharedLibrary(cmd.Context(), resolveGrantee, true)
		if err != nil {
			return err
		}
		if resolveJSON {
			return printJSON(res.Value)
		}
		printTracks(res.Value.Tracks)
		if len(res.Value.Playlists) > 0 {
			fmt.Printf("\n%d playlists shared\n", len(res.Value.Playlists))
			printPlaylists(res.Value.Playlists)
		}
		for _, w := range res.Value.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}

var resolvePlaylistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "解析播放列表的某个检查点",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		tracks, err := a.Share.ResolveSharedPlaylist(cmd.Context(), model.PlaylistShare{
			PlaylistID:      playlistID,
			Owner:           playlistOwner,
			Grantee:         resolveGrantee,
			PlaylistVersion: playlistVersion,
			TracksHash:      playlistHash,
		})
		if err != nil {
			return err
		}
		if resolveJSON {
			return printJSON(tracks)
		}
		printTracks(tracks)
		return nil
	},
}

func init() {
	resolveCmd.PersistentFlags().StringVarP(&resolveGrantee, "grantee", "g", "", "接收方钱包地址")
	resolveCmd.PersistentFlags().BoolVar(&resolveJSON, "json", false, "以 JSON 输出")
	_ = resolveCmd.MarkPersistentFlagRequired("grantee")

	resolvePlaylistCmd.Flags().StringVar(&playlistID, "playlist", "", "播放列表 id")
	resolvePlaylistCmd.Flags().StringVar(&playlistOwner, "owner", "", "播放列表所有者")
	resolvePlaylistCmd.Flags().Int64Var(&playlistVersion, "version", 0, "分享时的播放列表版本")
	resolvePlaylistCmd.Flags().StringVar(&playlistHash, "hash", "", "分享时的 tracks hash")
	_ = resolvePlaylistCmd.MarkFlagRequired("playlist")
	_ = resolvePlaylistCmd.MarkFlagRequired("version")

	resolveCmd.AddCommand(resolveTracksCmd, resolvePlaylistCmd)
	rootCmd.AddCommand(resolveCmd)
}

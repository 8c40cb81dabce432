package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"ShareFM/model"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable 命令行表格统一样式，numeric 中的列号（从 1 开始）右对齐
func newTable(header table.Row, numeric ...int) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(header)

	configs := make([]table.ColumnConfig, 0, len(numeric))
	for _, n := range numeric {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw
}

func renderTracks(tracks []model.SharedTrack) string {
	tw := newTable(table.Row{"#", "Title", "Artist", "Content", "Status"}, 1)
	for i, t := range tracks {
		status := "playable"
		if !t.Playable() {
			status = "locked"
		}
		content := "-"
		if t.ContentID != "" {
			content = model.ShortHex(t.ContentID)
		}
		tw.AppendRow(table.Row{i + 1, t.Title, t.Artist, content, status})
	}
	return tw.Render()
}

func renderPlaylists(shares []model.PlaylistShare) string {
	tw := newTable(table.Row{"Playlist", "Version", "Tracks", "Hash"}, 2, 3)
	for _, p := range shares {
		hash := "-"
		if p.TracksHash != "" {
			hash = model.ShortHex(p.TracksHash)
		}
		tw.AppendRow(table.Row{p.Summary.Name, p.PlaylistVersion, p.TrackCount, hash})
	}
	return tw.Render()
}

func printTracks(tracks []model.SharedTrack) {
	fmt.Println(renderTracks(tracks))
}

func printPlaylists(shares []model.PlaylistShare) {
	fmt.Println(renderPlaylists(shares))
}

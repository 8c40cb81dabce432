package cmd

import (
	"fmt"
	"net/http"

	"ShareFM/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO 分片镜像管理",
	Long:  `查看 MinIO 存储桶中镜像的加密分片，或把网关上的分片镜像到 MinIO。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)
		store, err := storage.NewMinioPieceStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		objects, stats, err := store.ListPieces(cmd.Context(), minioPrefix)
		if err != nil {
			return err
		}
		if !minioStats {
			for _, o := range objects {
				fmt.Printf("%-70s %10s  %s\n", o.Key, storage.FormatSize(o.Size), o.LastModified.Format("2006-01-02 15:04:05"))
			}
		}
		fmt.Printf("\n总文件数: %d\n总大小: %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
		if !stats.LastModified.IsZero() {
			fmt.Printf("最后修改时间: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var minioMirrorCmd = &cobra.Command{
	Use:   "mirror <piece-pointer>...",
	Short: "从网关拉取加密分片并写入 MinIO",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewMinioPieceStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		gateway := storage.NewGatewayFetcher(cfg.GatewayURL, cfg.GatewayFallbacks, &http.Client{Timeout: cfg.IndexTimeout * 3})
		for _, pointer := range args {
			data, err := gateway.Fetch(cmd.Context(), pointer)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", pointer, err)
			}
			if err := store.Put(cmd.Context(), pointer, data); err != nil {
				return err
			}
			fmt.Printf("%s -> %s (%s)\n", pointer, storage.ObjectKey(pointer), storage.FormatSize(int64(len(data))))
		}
		return nil
	},
}

func init() {
	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤分片")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示统计信息")

	minioCmd.Example = `  # 列出所有镜像分片
  sharefm minio

  # 只看统计
  sharefm minio -s

  # 镜像分片
  sharefm minio mirror bafy...`

	minioCmd.AddCommand(minioMirrorCmd)
	rootCmd.AddCommand(minioCmd)
}

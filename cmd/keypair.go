package cmd

import (
	"fmt"

	"ShareFM/core/contentcrypto"

	"github.com/spf13/cobra"
)

var keypairCmd = &cobra.Command{
	Use:   "keypair",
	Short: "查看或生成本机内容密钥对",
	Long:  `本机密钥对用于解包分享方发来的内容密钥。首次运行时生成，输出的公钥需要登记给分享方。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := contentcrypto.NewKeyStore(cfg.KeyPairPath, nil)
		kp, created, err := store.LoadOrCreate()
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("已生成新的密钥对: %s\n", store.Path())
		}
		fmt.Printf("public key: %s\n", kp.PublicHex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keypairCmd)
}

package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"SyncFM/core/auth"

	"github.com/spf13/cobra"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "生成控制密码的 bcrypt 哈希",
	Long:  `生成 CONTROL_PASSWORD_HASH 的值。不传参数时从标准输入读取一行。`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				log.Fatalf("读取密码失败: %v", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if password == "" {
			log.Fatal("密码不能为空")
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			log.Fatalf("生成哈希失败: %v", err)
		}
		fmt.Println(hash)
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

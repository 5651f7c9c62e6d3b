package cmd

import (
	"context"
	"fmt"
	"log"

	"SyncFM/cache"
	"SyncFM/config"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis [session_id...]",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，并进行基本读写操作。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer cache.CloseRedis()
		fmt.Println("Redis连接成功！")

		if err := cache.TestRedis(); err != nil {
			log.Fatalf("Redis操作测试失败: %v", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		if len(args) > 0 {
			sessionCache := cache.NewSessionCache()
			for _, sessionID := range args {
				printSessionCache(cmd.Context(), sessionCache, sessionID)
			}
		}
	},
}

func printSessionCache(ctx context.Context, c *cache.SessionCache, sessionID string) {
	st, err := c.LoadSnapshot(ctx, sessionID)
	if err != nil {
		fmt.Printf("会话 %s: 读取快照失败: %v\n", sessionID, err)
		return
	}
	online, err := c.ActiveOnlineCount(ctx, sessionID)
	if err != nil {
		fmt.Printf("会话 %s: 读取在线人数失败: %v\n", sessionID, err)
	}
	if st == nil {
		fmt.Printf("会话 %s: 无快照, 在线 %d\n", sessionID, online)
		return
	}
	fmt.Printf("会话 %s: track=%s position=%.1f playing=%t version=%d 在线=%d\n",
		sessionID, st.CurrentTrackID, st.Position, st.IsPlaying, st.Version, online)
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Example = `  # 测试连接
  syncfm redis

  # 查看会话快照和在线人数
  syncfm redis default lounge`
}

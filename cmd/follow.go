package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SyncFM/config"
	"SyncFM/core/follower"
	"SyncFM/logger"
	"SyncFM/model"

	"github.com/spf13/cobra"
)

// 检测曲目播放结束的轮询间隔
const endPollInterval = 250 * time.Millisecond

var (
	followServer    string
	followSession   string
	followStore     string
	followToken     string
	followHeadless  bool
	followNoConsole bool
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "跟随会话播放",
	Long: `连接到SyncFM服务器，跟随会话的播放状态。
控制台支持 play、pause、seek、track、next、status 等命令。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		applyFollowFlags(cmd, cfg)
		logger.InitLogger(cfg.LoggerConfig())
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runFollower(ctx, cfg)
	},
}

func applyFollowFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("server") {
		cfg.ServerURL = followServer
	}
	if cmd.Flags().Changed("session") {
		cfg.SessionID = followSession
	}
	if cmd.Flags().Changed("store") {
		cfg.LocalStorePath = followStore
	}
	if cmd.Flags().Changed("token") {
		cfg.ControlToken = followToken
	}
}

func runFollower(ctx context.Context, cfg *config.Config) error {
	store, err := follower.OpenLocalStore(cfg.LocalStorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	player, err := newPlayer(followHeadless)
	if err != nil {
		return err
	}

	resolver := follower.NewHTTPResolver(cfg.ServerURL, store)

	var conn *follower.Conn
	submit := follower.SubmitterFunc(func(ctx context.Context, action model.Action) error {
		return conn.Submit(ctx, action)
	})
	engine := follower.NewEngine(player, resolver, submit,
		follower.WithDriftTolerance(cfg.DriftTolerance),
		follower.WithSettleDelay(cfg.SettleDelay),
		follower.WithQueue(follower.NewPlaylistQueue(resolver)),
	)

	conn, err = follower.NewConn(cfg.ServerURL, cfg.SessionID, cfg.ControlToken, engine)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go conn.Run(ctx)
	go engine.Watch(ctx, endPollInterval)
	go func() {
		// 预取播放列表，离线时可用
		if _, err := resolver.Playlist(ctx); err != nil {
			logger.Warn("failed to fetch playlist", logger.ErrorField(err))
		}
	}()

	logger.Info("following session",
		logger.String("server", cfg.ServerURL),
		logger.String("session", cfg.SessionID),
		logger.Bool("control", cfg.ControlToken != ""))

	if followNoConsole {
		<-ctx.Done()
		return nil
	}

	console, err := follower.NewConsole(engine)
	if err != nil {
		return err
	}
	defer console.Close()
	if err := console.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(followCmd)

	followCmd.Flags().StringVar(&followServer, "server", "", "服务器地址 (默认 SERVER_URL)")
	followCmd.Flags().StringVar(&followSession, "session", "", "会话 ID (默认 SESSION_ID)")
	followCmd.Flags().StringVar(&followStore, "store", "", "本地缓存数据库路径 (默认 LOCAL_STORE_PATH)")
	followCmd.Flags().StringVar(&followToken, "token", "", "控制令牌 (默认 CONTROL_TOKEN)")
	followCmd.Flags().BoolVar(&followHeadless, "headless", false, "不输出声音，只模拟播放")
	followCmd.Flags().BoolVar(&followNoConsole, "no-console", false, "不启动交互控制台")
}

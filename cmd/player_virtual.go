//go:build !audio

package cmd

import (
	"SyncFM/core/follower"
	"SyncFM/logger"

	"github.com/jonboulle/clockwork"
)

// 未使用 audio 标签编译时没有声音输出
func newPlayer(headless bool) (follower.Player, error) {
	if !headless {
		logger.Warn("built without the audio tag, playback is simulated")
	}
	return follower.NewVirtualPlayer(clockwork.NewRealClock()), nil
}

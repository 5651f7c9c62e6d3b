//go:build audio

package cmd

import (
	"SyncFM/core/follower"

	"github.com/jonboulle/clockwork"
)

func newPlayer(headless bool) (follower.Player, error) {
	if headless {
		return follower.NewVirtualPlayer(clockwork.NewRealClock()), nil
	}
	return follower.NewSpeakerPlayer()
}

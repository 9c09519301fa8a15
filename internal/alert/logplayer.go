package alert

import (
	"context"
	"sync/atomic"

	logx "bouncelink/pkg/logx"
)

// LogPlayer is the Player used by the daemon, which has no speaker. It
// writes each cue to the log.
type LogPlayer struct {
	log         logx.Logger
	initialized atomic.Bool
}

func NewLogPlayer(log logx.Logger) *LogPlayer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogPlayer{log: log}
}

func (p *LogPlayer) Initialize(context.Context) error {
	if p.initialized.CompareAndSwap(false, true) {
		p.log.Debug("audio player ready")
	}
	return nil
}

func (p *LogPlayer) Status() AudioStatus {
	return AudioStatus{Initialized: p.initialized.Load()}
}

func (p *LogPlayer) PlayAlert(_ context.Context, req AlertRequest) error {
	p.log.Info("alert",
		logx.String("sound", req.SoundType),
		logx.Any("vibration", req.VibrationPattern),
		logx.Float64("volume", req.Volume),
		logx.Bool("fade_in", req.FadeIn),
		logx.Int("repeat", req.Repeat),
	)
	return nil
}

package session

import (
	"time"

	"github.com/lukasbauer/mendan/internal/capture"
)

// NoSignalWarning is raised when frames arrive but none carries signal.
const NoSignalWarning = "audio capture: 音声信号が検出されません。入力デバイスの音量と出力先の設定を確認してください。"

func (o *Orchestrator) scheduleCaptureCheck(cseq uint64) {
	if o.checkTimer != nil {
		o.checkTimer.Stop()
	}
	o.checkTimer = time.AfterFunc(o.cfg.CaptureCheckDelay, func() {
		o.post(func() { o.checkCapture(cseq) })
	})
}

// checkCapture runs once per capture start. With no frames it alerts and
// restarts the source at most once per listening session.
func (o *Orchestrator) checkCapture(cseq uint64) {
	if cseq != o.captureSeq || o.state != StateListening {
		return
	}
	o.checkTimer = nil
	frames, audible := o.capture.frames.Load(), o.capture.audible.Load()
	log := o.log.With().Int64("frames", frames).Int64("audible", audible).Logger()

	switch {
	case frames == 0:
		log.Warn().Msg("capture health: no frames")
		if !o.shouldAlert() {
			return
		}
		o.errMsg = capture.ErrNoFrames.Error()
		if !o.recovered {
			o.recovered = true
			o.restartCapture()
		}
	case audible == 0:
		log.Warn().Msg("capture health: no signal")
		if !o.shouldAlert() {
			return
		}
		o.warning = NoSignalWarning
	default:
		log.Debug().Msg("capture health ok")
		return
	}
	o.publish()
}

func (o *Orchestrator) shouldAlert() bool {
	now := o.cfg.Now()
	if !o.lastAlertAt.IsZero() && now.Sub(o.lastAlertAt) < o.cfg.AlertCooldown {
		return false
	}
	o.lastAlertAt = now
	return true
}

func (o *Orchestrator) restartCapture() {
	o.log.Info().Msg("restarting capture source")
	o.stopCapture()
	o.startCapture()
}

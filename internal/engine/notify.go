package engine

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
)

// SystemdNotifier 通过 NOTIFY_SOCKET 通知 systemd；未在 systemd 下运行时什么都不做
type SystemdNotifier struct {
	Logger *logger.Logger
}

func (n SystemdNotifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n SystemdNotifier) Watchdog() { n.notify(daemon.SdNotifyWatchdog) }
func (n SystemdNotifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n SystemdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && n.Logger != nil {
		n.Logger.Warn("systemd notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent && n.Logger != nil {
		n.Logger.Debug("systemd notified", zap.String("state", state))
	}
}

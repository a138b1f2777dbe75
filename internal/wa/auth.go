package wa

import (
	"github.com/matheus3301/wpphub/internal/driver"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// pair forwards QR channel items until pairing ends. Success is reported by
// the PairSuccess event, so only codes and failures are dispatched here.
func (a *Adapter) pair(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			a.logger.Info("qr code generated", zap.Duration("timeout", item.Timeout))
			a.dispatch(driver.QR{Code: item.Code})
		case "success":
			return
		case "timeout":
			a.dispatch(driver.AuthFailure{Message: "QR code timeout"})
			return
		default:
			msg := item.Event
			if item.Error != nil {
				msg = item.Error.Error()
			}
			a.logger.Warn("pairing failed", zap.String("reason", msg))
			a.dispatch(driver.AuthFailure{Message: msg})
			return
		}
	}
}

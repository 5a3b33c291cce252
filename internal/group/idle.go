package group

import (
	"context"
	"log"
	"time"

	"github.com/isychat/isychat/internal/proto"
)

// idleLoop drives the Active -> Warned -> Expired lifecycle. It wakes
// every second and compares the clock with the last MSG/CMD arrival;
// touchActivity moves the group back to Active.
func (d *Daemon) idleLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d.idleTick() {
				d.cancel()
				return nil
			}
		}
	}
}

// warnThreshold is half the idle budget, except that a budget of one
// second or less warns only at the full budget.
func (d *Daemon) warnThreshold() time.Duration {
	half := d.idleTimeout / 2
	if half < time.Second {
		return d.idleTimeout
	}
	return half
}

// idleTick applies one timer step; it reports true when the group has
// expired and must terminate.
func (d *Daemon) idleTick() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := d.now().Sub(d.lastActivity)

	if elapsed >= d.idleTimeout {
		log.Printf("GROUP: '%s' expired after %s of silence", d.name, elapsed.Truncate(time.Second))
		d.broadcastLocked(proto.SysGroupDeleted)
		return true
	}

	if !d.warned && elapsed >= d.warnThreshold() {
		d.warned = true
		text := proto.FormatIdleWarning(d.name, d.lastActivity.Add(d.idleTimeout))
		d.idleBanner = banner{active: true, text: text}
		d.broadcastLocked(proto.KindCtrl + " " + proto.CtrlIBannerSet + " " + text)
	}
	return false
}

package callctl

import (
	"github.com/arzzra/callctl/pkg/wildmat"
)

// allocate ищет свободный подходящий канал и занимает его за соединением.
// Вместе с каналом возвращается удержание его контроллера, которое
// передается каналу при привязке.
func (r *Registry) allocate(c *Connection, cfg ConnectionConfig, primary bool) (*Channel, *Hold, error) {
	required := cfg.Protocol.Required()

	if primary && cfg.Exclusive != nil {
		ch, err := r.channel(cfg.Exclusive.Controller, cfg.Exclusive.Channel)
		if err == nil && ch.ctrl.usable() && ch.ctrl.caps.Has(required) && ch.fsm.Is(ChanUnbound) {
			if hold := claimChannel(c, ch); hold != nil {
				return ch, hold, nil
			}
		}
		r.metrics.AllocationFailed()
		return nil, nil, NoChannelError(c.name, required).WithField("exclusive", cfg.Exclusive.String())
	}

	local, _ := splitLocalNumber(cfg.LocalNumber)
	for _, ctrl := range r.controllerList() {
		if !ctrl.usable() || !ctrl.caps.Has(required) || !ctrl.acceptsNumber(local) {
			continue
		}
		for _, ch := range ctrl.channelList() {
			if !ch.fsm.Is(ChanUnbound) {
				continue
			}
			if hold := claimChannel(c, ch); hold != nil {
				return ch, hold, nil
			}
		}
	}

	r.metrics.AllocationFailed()
	return nil, nil, NoChannelError(c.name, required)
}

// claimChannel занимает канал и удерживает его контроллер
func claimChannel(c *Connection, ch *Channel) *Hold {
	if !ch.tryClaim(c) {
		return nil
	}
	hold := ch.ctrl.refs.acquire("channel " + ch.key)
	if hold == nil {
		ch.unclaim()
		return nil
	}
	return hold
}

// acceptsNumber разрешен ли собственный номер на контроллере.
// Пустой список MSN разрешает любой номер.
func (c *Controller) acceptsNumber(local string) bool {
	if len(c.msns) == 0 {
		return true
	}
	for _, msn := range c.msns {
		if msn == local || wildmat.MatchString(local, msn) == wildmat.Match {
			return true
		}
	}
	return false
}

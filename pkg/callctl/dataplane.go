package callctl

import (
	"context"
	"fmt"
)

// Submit передает данные по активному соединению. Каналы пучка
// используются по очереди. В режиме DialAuto данные для свободного
// соединения запускают дозвон, сами данные при этом не передаются.
func (r *Registry) Submit(ctx context.Context, name string, payload []byte) (int, error) {
	c, err := r.connection(name)
	if err != nil {
		return 0, err
	}

	if !c.fsm.Is(ConnActive) {
		state := c.fsm.Current()
		if state == ConnIdle && !c.claimed() && c.config().DialMode == DialAuto {
			c.logger.Debug(ctx, "Auto dial on outgoing data", Int("bytes", len(payload)))
			c.post(ctx, ConnEvDial, nil)
			return 0, NotConnectedError(c.name, string(state)).WithField("auto_dial", true)
		}
		return 0, NotConnectedError(c.name, string(state))
	}

	chans := c.activeChannels()
	if len(chans) == 0 {
		return 0, NotConnectedError(c.name, string(ConnActive))
	}
	ch := chans[c.rr.Add(1)%uint64(len(chans))]

	n, err := ch.ctrl.driver.Transmit(ctx, ch.index, payload)
	if err != nil {
		return n, fmt.Errorf("transmit %s: %w", ch.key, err)
	}
	c.idleTicks.Store(0)
	c.tx.Add(int64(n))
	return n, nil
}

// SetReceiver задает получателя данных и уведомлений о состоянии линии
func (r *Registry) SetReceiver(name string, rcv Receiver) error {
	c, err := r.connection(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.receiver = rcv
	c.mu.Unlock()
	return nil
}

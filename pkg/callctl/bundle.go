package callctl

import (
	"context"
	"slices"
)

// memberEvent уведомление от дополнительного канала пучка
func (c *Connection) memberEvent(ctx context.Context, ch *Channel, note connNote) {
	switch note.ev {
	case ConnEvBConnected:
		c.mu.Lock()
		c.active[ch] = true
		n := len(c.members)
		c.mu.Unlock()
		c.logger.Info(ctx, "Bundle member active", String("channel", ch.key), Int("members", n))
	case ConnEvDHangup, ConnEvDialFailed:
		c.dropMember(ctx, ch)
		c.logger.Info(ctx, "Bundle member dropped", String("channel", ch.key), Int("cause", note.cause))
	default:
		c.logger.Trace(ctx, "Bundle member event", String("channel", ch.key), String("event", string(note.ev)))
	}
}

func (c *Connection) dropMember(ctx context.Context, ch *Channel) {
	c.mu.Lock()
	i := slices.Index(c.members, ch)
	if i > 0 {
		c.members = slices.Delete(c.members, i, i+1)
	}
	delete(c.active, ch)
	c.mu.Unlock()
	if i > 0 {
		ch.post(ctx, ChEvUnbind, nil)
	}
}

// bundle добавляет канал к активному соединению
func (c *Connection) bundle(ctx context.Context) (string, error) {
	if !c.fsm.Is(ConnActive) {
		return "", NotPermittedError(c.name, string(c.fsm.Current()), "bundle")
	}
	cfg := c.config()

	c.mu.Lock()
	n := len(c.members)
	number := c.peer
	if c.dir == DirOutgoing && len(c.dialList) > 0 {
		number = c.dialList[c.numberIdx]
	}
	c.mu.Unlock()

	if n >= cfg.MaxChannels {
		return "", NotPermittedError(c.name, string(ConnActive), "bundle").
			WithField("max_channels", cfg.MaxChannels)
	}
	if number == "" {
		return "", InvalidConfigError("numbers", c.name, "неизвестен номер для дополнительного канала")
	}

	ch, hold, err := c.reg.allocate(c, cfg, false)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.members = append(c.members, ch)
	c.mu.Unlock()

	local, voice := splitLocalNumber(cfg.LocalNumber)
	si := SIData
	if voice {
		si = SIVoice
	}
	ch.post(ctx, ChEvBind, bindRequest{conn: c, hold: hold})
	ch.post(ctx, ChEvDial, dialRequest{number: number, local: local, proto: cfg.Protocol, si: si})

	c.logger.Info(ctx, "Bundle member dialing", String("channel", ch.key), String("number", number))
	return ch.key, nil
}

// unbundle отпускает самый новый дополнительный канал
func (c *Connection) unbundle(ctx context.Context) (string, error) {
	c.mu.Lock()
	if len(c.members) < 2 {
		c.mu.Unlock()
		return "", NotPermittedError(c.name, string(c.fsm.Current()), "unbundle")
	}
	ch := c.members[len(c.members)-1]
	c.members = c.members[:len(c.members)-1]
	delete(c.active, ch)
	c.mu.Unlock()

	ch.post(ctx, ChEvUnbind, nil)
	c.logger.Info(ctx, "Bundle member released", String("channel", ch.key))
	return ch.key, nil
}

// activeChannels каналы, по которым можно передавать данные
func (c *Connection) activeChannels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.members))
	for i, ch := range c.members {
		if i == 0 || c.active[ch] {
			out = append(out, ch)
		}
	}
	return out
}

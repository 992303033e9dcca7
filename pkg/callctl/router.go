package callctl

import (
	"github.com/arzzra/callctl/pkg/wildmat"
)

// RouteKind результат маршрутизации входящего вызова
type RouteKind int

const (
	RouteNoMatch RouteKind = iota
	RouteAccept
	RouteCallback
	RouteIncomplete
)

func (k RouteKind) String() string {
	switch k {
	case RouteAccept:
		return "accept"
	case RouteCallback:
		return "callback"
	case RouteIncomplete:
		return "incomplete"
	default:
		return "no-match"
	}
}

// Route выбранное соединение. Conn уже занято (claim) при Accept и Callback.
type Route struct {
	Kind RouteKind
	Conn *Connection
}

// route ищет первое соединение в порядке регистрации, готовое принять вызов
func (r *Registry) route(ch *Channel, offer Offer) Route {
	incomplete := false
	for _, c := range r.connectionList() {
		cfg := c.config()
		local, voice := splitLocalNumber(cfg.LocalNumber)

		if !serviceMatches(offer.SI, voice) {
			continue
		}
		switch wildmat.MatchString(offer.Called, local) {
		case wildmat.NoMatch:
			continue
		case wildmat.WouldMatch:
			incomplete = true
			continue
		}
		if !exclusiveAllows(cfg, c, ch) {
			continue
		}
		if cfg.Secure && wildmat.Any(offer.Calling, cfg.Incoming) != wildmat.Match {
			continue
		}
		if !c.fsm.Is(ConnIdle) || !c.claim("incoming") {
			continue
		}

		if cfg.Callback == CallbackIn {
			return Route{Kind: RouteCallback, Conn: c}
		}
		return Route{Kind: RouteAccept, Conn: c}
	}

	if incomplete {
		return Route{Kind: RouteIncomplete}
	}
	return Route{Kind: RouteNoMatch}
}

// serviceMatches голосовое соединение принимает только голосовые вызовы,
// остальные только вызовы данных
func serviceMatches(si ServiceIndicator, voice bool) bool {
	if voice {
		return si == SIVoice
	}
	return si == SIData
}

// exclusiveAllows закрепленное соединение принимает вызовы только на своем
// канале, а закрепленный канал отдается только своему соединению
func exclusiveAllows(cfg ConnectionConfig, c *Connection, ch *Channel) bool {
	if owner := ch.exclOwner.Load(); owner != nil && owner != c {
		return false
	}
	if cfg.Exclusive == nil {
		return true
	}
	return cfg.Exclusive.Controller == ch.ctrl.id && cfg.Exclusive.Channel == ch.index
}

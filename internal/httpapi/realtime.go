package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/igm/sockjs-go/sockjs"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/notify"
)

// Subscriptions is the part of the notification bus used by live clients.
type Subscriptions interface {
	Subscribe(channel notify.Channel, filter notify.Filter) *notify.Subscriber
	Unsubscribe(sub *notify.Subscriber)
	UpdateFilter(sub *notify.Subscriber, filter notify.Filter)
}

type counterLookup interface {
	CounterForStaff(ctx context.Context, staffID int64) (models.Counter, error)
}

// Realtime pushes bus events to SockJS clients. Staff clients start
// filtered to their own counter; display clients see every counter. Either
// may narrow or widen the filter with a subscribe message.
type Realtime struct {
	bus      Subscriptions
	sessions SessionStore
	counters counterLookup
	log      *slog.Logger
}

func NewRealtime(bus Subscriptions, sessions SessionStore, counters counterLookup, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{bus: bus, sessions: sessions, counters: counters, log: logger}
}

// Mount registers /realtime/staff and /realtime/display on mux.
func (rt *Realtime) Mount(mux *http.ServeMux) {
	mux.Handle("/realtime/staff/", sockjs.NewHandler("/realtime/staff", sockjs.DefaultOptions, rt.serveStaff))
	mux.Handle("/realtime/display/", sockjs.NewHandler("/realtime/display", sockjs.DefaultOptions, rt.serveDisplay))
}

// serveStaff authenticates on a detached context because polling transports
// finish the opening request before the session ends.
func (rt *Realtime) serveStaff(session sockjs.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := session.Request().WithContext(ctx)
	authSession, status, msg := authenticate(req, rt.sessions)
	if status != 0 {
		_ = session.Close(4001, msg)
		return
	}
	if authSession.StaffID == nil {
		_ = session.Close(4003, "staff session required")
		return
	}
	counter, err := rt.counters.CounterForStaff(ctx, *authSession.StaffID)
	if err != nil {
		_ = session.Close(4003, "no counter assigned")
		return
	}
	cancel()
	rt.pump(session, notify.ChannelStaff, notify.Filter{CounterID: counter.CounterID})
}

func (rt *Realtime) serveDisplay(session sockjs.Session) {
	rt.pump(session, notify.ChannelDisplay, notify.Filter{})
}

func (rt *Realtime) pump(session sockjs.Session, channel notify.Channel, filter notify.Filter) {
	sub := rt.bus.Subscribe(channel, filter)
	defer rt.bus.Unsubscribe(sub)
	rt.log.Debug("realtime client connected", "session", session.ID(), "channel", string(channel), "subscriber", sub.ID)

	go func() {
		for event := range sub.Events {
			payload, err := json.Marshal(event)
			if err != nil {
				rt.log.Warn("realtime encode failed", "subscriber", sub.ID, "error", err)
				continue
			}
			if err := session.Send(string(payload)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		if next, ok := notify.ParseSubscribe([]byte(msg)); ok {
			rt.bus.UpdateFilter(sub, next)
		}
	}
}

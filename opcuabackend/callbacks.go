package opcuabackend

import (
	"github.com/hzdr-desy/opcua-register-backend/internal/opcconn"
)

// onStateChange is the Connection's StateChangeFunc. It is registered once
// in New and implements spec.md §4.7's "state callbacks route through the
// handle→Backend map": in the original C library callbacks carry only a
// native handle and have to be dispatched through a process-wide registry,
// but gopcua lets a Go closure capture *Backend directly, so the registry
// collapses to this single bound method — functionally equivalent, see
// DESIGN.md.
func (b *Backend) onStateChange(channel opcconn.ChannelState, session opcconn.SessionState) {
	functional := channel == opcconn.ChannelOpen && session == opcconn.SessionActivated
	b.isFunctional.Store(functional)
	b.metrics.SetConnected(functional)

	if functional {
		return
	}

	b.ctrlMu.Lock()
	opened := b.opened
	subs := b.subs
	b.ctrlMu.Unlock()

	if opened && subs != nil {
		subs.DeactivateAllAndPushException("client session is not open any more")
	}
}

// onSubscriptionInactive is registered on every SubscriptionManager this
// Backend creates (subscription.Manager.OnInactivity). The Manager itself
// already fans the exception out before calling this; this hook adds the
// one thing only the Backend can do — force the Connection's session state
// to CLOSED so the next Open reconnects cleanly instead of observing a
// stale ACTIVATED state. MarkDisconnected's state change reaches
// onStateChange, whose DeactivateAllAndPushException tears the
// subscription down.
func (b *Backend) onSubscriptionInactive(reason string) {
	b.logger.Warn().Str("reason", reason).Msg("subscription inactive")
	b.conn.MarkDisconnected()
}

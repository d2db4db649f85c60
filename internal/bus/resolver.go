package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Well-known channel base names.
const (
	// DefaultEventChannel is the event channel used by event-mode sessions.
	DefaultEventChannel = "NetworkRemoteEvent"
	// DataEventChannel is the event channel used by data-mode sessions.
	DataEventChannel = "SendData"
	// DataRequestChannel is the request channel used by data-mode sessions.
	DataRequestChannel = "GetData"
	// DefaultWaitTimeout bounds how long a peer waits for a channel to be created.
	DefaultWaitTimeout = 10 * time.Second
)

// ChannelName derives the channel name for base and an optional namespace.
//
// Postcondition: Returns base when namespace is empty, otherwise base + "_" + namespace.
func ChannelName(base, namespace string) string {
	if namespace == "" {
		return base
	}
	return base + "_" + namespace
}

// Resolver locates channels on behalf of one process.
// On the authority it creates missing channels; on peers it waits for them.
type Resolver struct {
	host        Host
	waitTimeout time.Duration
}

// NewResolver creates a Resolver over host.
// A non-positive waitTimeout selects DefaultWaitTimeout.
//
// Precondition: host must be non-nil.
func NewResolver(host Host, waitTimeout time.Duration) *Resolver {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Resolver{host: host, waitTimeout: waitTimeout}
}

// WaitTimeout returns the default peer wait timeout.
func (r *Resolver) WaitTimeout() time.Duration { return r.waitTimeout }

// Resolve returns the channel named name using the default wait timeout.
func (r *Resolver) Resolve(ctx context.Context, name string, kind Kind) (Channel, error) {
	return r.ResolveWithin(ctx, name, kind, r.waitTimeout)
}

// ResolveWithin returns the channel named name.
//
// On the authority the channel is created if missing and the call never blocks.
// On a peer the call suspends until the authority creates the channel or timeout elapses.
//
// Postcondition: Returns the channel, a *ChannelNotFoundError after timeout,
// or the context error if ctx ends first.
func (r *Resolver) ResolveWithin(ctx context.Context, name string, kind Kind, timeout time.Duration) (Channel, error) {
	if r.host.Role() == RoleAuthority {
		ch, err := r.host.Create(name, kind)
		if err != nil {
			return nil, fmt.Errorf("creating channel %q: %w", name, err)
		}
		return ch, nil
	}

	if timeout <= 0 {
		timeout = r.waitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := r.host.Wait(waitCtx, name, kind)
	if err == nil {
		return ch, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &ChannelNotFoundError{Name: name, Timeout: timeout}
	}
	return nil, fmt.Errorf("waiting for channel %q: %w", name, err)
}

// ResolveEvent resolves name as an event channel.
func (r *Resolver) ResolveEvent(ctx context.Context, name string, timeout time.Duration) (EventChannel, error) {
	ch, err := r.ResolveWithin(ctx, name, KindEvent, timeout)
	if err != nil {
		return nil, err
	}
	ev, ok := ch.(EventChannel)
	if !ok {
		return nil, fmt.Errorf("channel %q is %s: %w", name, ch.Kind(), ErrChannelKind)
	}
	return ev, nil
}

// ResolveRequest resolves name as a request channel.
func (r *Resolver) ResolveRequest(ctx context.Context, name string, timeout time.Duration) (RequestChannel, error) {
	ch, err := r.ResolveWithin(ctx, name, KindRequest, timeout)
	if err != nil {
		return nil, err
	}
	rq, ok := ch.(RequestChannel)
	if !ok {
		return nil, fmt.Errorf("channel %q is %s: %w", name, ch.Kind(), ErrChannelKind)
	}
	return rq, nil
}

package frontend

import (
	"context"
	"fmt"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/rs/zerolog/log"
)

// Allocator is the SessionAllocator: a thin client of the controller's
// admin endpoint. It keeps no local state.
type Allocator struct {
	addr  string
	token string
	pool  *rpcPool
}

func NewAllocator(controllerAdminAddr, token string, pool *rpcPool) *Allocator {
	return &Allocator{addr: controllerAdminAddr, token: token, pool: pool}
}

// Allocate asks the controller to place h for requester. A capacity failure
// is returned as CodeNoCapacity; the caller retries later.
func (a *Allocator) Allocate(ctx context.Context, h routing.SessionHandle, requester identity.Identity) (routing.SessionEndpoint, error) {
	var endpoint routing.SessionEndpoint
	err := a.call(ctx, session.AdminRequest{
		Action:   session.ActionSessionAllocate,
		Handle:   &h,
		Identity: &requester,
	}, &endpoint)
	if err != nil {
		log.Debug().
			Err(err).
			Str("api_kind", string(h.Kind)).
			Str("session_key", h.SessionKey).
			Msg("frontend.Allocator.Allocate failed")
		return routing.SessionEndpoint{}, err
	}
	return endpoint, nil
}

// InvalidateIdentity asks the controller to drop fingerprint cluster-wide.
func (a *Allocator) InvalidateIdentity(ctx context.Context, fingerprint string) error {
	return a.call(ctx, session.AdminRequest{
		Action:      session.ActionIdentityInvalidate,
		Fingerprint: fingerprint,
	}, nil)
}

func (a *Allocator) call(ctx context.Context, req session.AdminRequest, out any) error {
	req.Token = a.token
	var resp session.AdminResponse
	err := a.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = session.CallAdmin(ctx, a.addr, a.pool.timeout, req)
		return err
	})
	if err != nil {
		// Only the controller reports capacity; a timeout or dial failure is ours.
		return apierr.Wrap(apierr.CodeInternal, fmt.Errorf("controller %s: %w", req.Action, err))
	}
	if !resp.OK {
		code := apierr.Code(resp.Code)
		if code == apierr.CodeOK {
			code = apierr.CodeInternal
		}
		return apierr.New(code, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return apierr.Wrap(apierr.CodeInternal, err)
	}
	return nil
}

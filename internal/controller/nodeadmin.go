package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/routing"
)

// CreateRequest asks a node to build a session from a handle's seed. The node
// checks that the seed resolves to SessionKey.
type CreateRequest struct {
	Kind       routing.APIKind
	SessionID  string
	SessionKey string
	Identity   identity.Identity
	Seed       routing.Seed
}

// NodeAdmin pushes session changes to a node's admin endpoint. Count results
// are the node's active session count after the change.
type NodeAdmin interface {
	CreateSession(ctx context.Context, adminAddr string, req CreateRequest) (int, error)
	AddCredential(ctx context.Context, adminAddr string, kind routing.APIKind, sessionID string, id identity.Identity) (int, error)
	RemoveCredential(ctx context.Context, adminAddr string, kind routing.APIKind, sessionID, fingerprint string) (int, error)
	RemoveIdentityEverywhere(ctx context.Context, adminAddr, fingerprint string) error
}

// AdminClient is the JSON-line NodeAdmin.
type AdminClient struct {
	controllerID string
	token        string
	timeout      time.Duration
}

func NewAdminClient(controllerID, token string, timeout time.Duration) *AdminClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdminClient{controllerID: controllerID, token: token, timeout: timeout}
}

func (a *AdminClient) CreateSession(ctx context.Context, adminAddr string, req CreateRequest) (int, error) {
	id := req.Identity
	return a.count(ctx, adminAddr, session.AdminRequest{
		Action:     session.ActionSessionCreate,
		Kind:       req.Kind,
		SessionID:  req.SessionID,
		SessionKey: req.SessionKey,
		Identity:   &id,
		Seed:       req.Seed,
	})
}

func (a *AdminClient) AddCredential(ctx context.Context, adminAddr string, kind routing.APIKind, sessionID string, id identity.Identity) (int, error) {
	return a.count(ctx, adminAddr, session.AdminRequest{
		Action:    session.ActionCredentialAdd,
		Kind:      kind,
		SessionID: sessionID,
		Identity:  &id,
	})
}

func (a *AdminClient) RemoveCredential(ctx context.Context, adminAddr string, kind routing.APIKind, sessionID, fingerprint string) (int, error) {
	return a.count(ctx, adminAddr, session.AdminRequest{
		Action:      session.ActionCredentialRemove,
		Kind:        kind,
		SessionID:   sessionID,
		Fingerprint: fingerprint,
	})
}

func (a *AdminClient) RemoveIdentityEverywhere(ctx context.Context, adminAddr, fingerprint string) error {
	_, err := a.call(ctx, adminAddr, session.AdminRequest{
		Action:      session.ActionIdentityRemoveEverywhere,
		Fingerprint: fingerprint,
	})
	return err
}

func (a *AdminClient) count(ctx context.Context, adminAddr string, req session.AdminRequest) (int, error) {
	resp, err := a.call(ctx, adminAddr, req)
	if err != nil {
		return 0, err
	}
	var out session.CountData
	if err := resp.Decode(&out); err != nil {
		return 0, err
	}
	return out.Active, nil
}

func (a *AdminClient) call(ctx context.Context, adminAddr string, req session.AdminRequest) (session.AdminResponse, error) {
	req.Token = a.token
	req.ControllerID = a.controllerID
	resp, err := session.CallAdmin(ctx, adminAddr, a.timeout, req)
	if err != nil {
		return session.AdminResponse{}, err
	}
	if !resp.OK {
		if resp.Code != 0 {
			return resp, apierr.New(apierr.Code(resp.Code), resp.Error)
		}
		return resp, fmt.Errorf("controller: node %s %s: %s", adminAddr, req.Action, resp.Error)
	}
	return resp, nil
}

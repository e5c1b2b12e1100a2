package frontend

import (
	"context"
	"strings"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/registry"
	"github.com/rs/zerolog/log"
)

// handleAdmin serves controller pushes and local status queries.
func (s *Service) handleAdmin(ctx context.Context, req session.AdminRequest) session.AdminResponse {
	if err := s.validator.Validate(req.Token); err != nil {
		log.Warn().Str("action", req.Action).Msg("frontend.Service.handleAdmin unauthorized")
		return session.ErrorResponse(apierr.Wrap(apierr.CodeUnauthorizedIdentity, err))
	}

	switch strings.TrimSpace(req.Action) {
	case session.ActionSessionCreate:
		reg, err := s.registryFor(req)
		if err != nil {
			return session.ErrorResponse(err)
		}
		if req.Identity == nil {
			return session.ErrorResponse(apierr.New(apierr.CodeMalformedRequest, "identity required"))
		}
		if _, err := reg.CreateKeyedSession(ctx, req.SessionID, req.ControllerID, req.SessionKey, *req.Identity, req.Seed); err != nil {
			return session.ErrorResponse(err)
		}
		s.tracker.SessionCreated(req.ControllerID, req.Kind, req.SessionID)
		return session.OKResponse(session.CountData{Active: s.registries.Count()})
	case session.ActionCredentialAdd:
		reg, err := s.registryFor(req)
		if err != nil {
			return session.ErrorResponse(err)
		}
		if req.Identity == nil {
			return session.ErrorResponse(apierr.New(apierr.CodeMalformedRequest, "identity required"))
		}
		if _, err := reg.AddIdentity(req.SessionID, *req.Identity); err != nil {
			return session.ErrorResponse(err)
		}
		return session.OKResponse(session.CountData{Active: s.registries.Count()})
	case session.ActionCredentialRemove:
		reg, err := s.registryFor(req)
		if err != nil {
			return session.ErrorResponse(err)
		}
		if _, err := reg.RemoveIdentity(req.SessionID, req.Fingerprint); err != nil {
			return session.ErrorResponse(err)
		}
		return session.OKResponse(session.CountData{Active: s.registries.Count()})
	case session.ActionIdentityRemoveEverywhere:
		if strings.TrimSpace(req.Fingerprint) == "" {
			return session.ErrorResponse(apierr.New(apierr.CodeMalformedRequest, "fingerprint required"))
		}
		return session.OKResponse(s.registries.RemoveIdentityEverywhere(req.Fingerprint))
	case session.ActionStatus:
		return session.OKResponse(s.Status(true))
	default:
		return session.ErrorResponse(apierr.Newf(apierr.CodeMalformedRequest, "unknown action %q", req.Action))
	}
}

func (s *Service) registryFor(req session.AdminRequest) (*registry.Registry, error) {
	reg, ok := s.registries.For(req.Kind)
	if !ok {
		return nil, apierr.Newf(apierr.CodeMalformedRequest, "api kind %q not served", req.Kind)
	}
	return reg, nil
}

package player

import (
	"context"
	"errors"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/lifecycle"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/portal"
	"nvpn-proxy/work/resolver"
	"nvpn-proxy/work/types"
)

// StreamResolver resolves a channel handle through the portal.
type StreamResolver interface {
	Resolve(ctx context.Context, handle string) (*types.StreamDescriptor, *portal.Session, error)
}

// Service runs a playback attempt from channel handle to supervised relay.
type Service struct {
	config     *config.Config
	resolver   StreamResolver
	controller *lifecycle.Controller
}

// NewService creates a playback service.
func NewService(cfg *config.Config, res StreamResolver, controller *lifecycle.Controller) *Service {
	return &Service{
		config:     cfg,
		resolver:   res,
		controller: controller,
	}
}

// Play resolves handle and returns its plan, starting the relay when the plan
// needs it. A busy relay port degrades to a direct plan instead of failing.
func (s *Service) Play(ctx context.Context, handle string) (*Plan, error) {
	desc, session, err := s.resolver.Resolve(ctx, handle)
	if err != nil {
		return nil, err
	}

	opts := OptionsFromConfig(s.config)
	headers := resolver.MediaHeaders(s.config, session)

	if NeedsRelay(desc, opts) {
		base, err := s.controller.Start(ctx)
		switch {
		case err == nil:
			opts.RelayBaseURL = base
		case errors.Is(err, types.ResourceBusy):
			logger.Warn("{player/service - Play} relay unavailable, falling back to direct playback: %v", err)
		default:
			return nil, err
		}
	}

	plan, err := BuildPlan(desc, headers, opts)
	if err != nil {
		s.controller.Stop()
		return nil, err
	}

	logger.Info("{player/service - Play} %s: %s playback, relayed=%v", handle, plan.MediaType, plan.Relayed)
	return plan, nil
}

// Host returns the playback host configured for supervision.
func (s *Service) Host() lifecycle.PlaybackHost {
	if s.config.PlaybackHost == config.HostKodi {
		return NewKodiHost(s.config.KodiRPCURL, s.config.RequestTimeout)
	}
	return NewRelayActivityHost(s.controller.Relay(), s.config.RelayIdleTimeout)
}

// Supervise keeps a relayed plan's relay alive for as long as the host plays.
// Direct plans have nothing to supervise.
func (s *Service) Supervise(ctx context.Context, plan *Plan) lifecycle.Outcome {
	if plan == nil || !plan.Relayed {
		return lifecycle.PlaybackEnded
	}
	outcome := s.controller.Supervise(ctx, s.Host())
	logger.Info("{player/service - Supervise} %s playback %s", plan.Channel, outcome)
	return outcome
}

package server

import (
	"context"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/agents"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"google.golang.org/grpc/peer"
)

// Contact implements wire.FleetServiceServer. Rejections are reported in the
// response body; a gRPC error means the transport itself failed.
func (s *Server) Contact(ctx context.Context, req *wire.ContactRequest) (*wire.ContactResponse, error) {
	c := toContact(req)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		c.PeerAddr = p.Addr.String()
	}

	resp := s.fleet.Process(ctx, c)
	if resp.OK() {
		s.connManager.Observe(resp.ClientID, c.PeerAddr)
		slog.Debug("Contact processed",
			"client_id", resp.ClientID,
			"received", len(c.Messages),
			"delivered", len(resp.Messages))
	} else if resp.Reason == fleet.ReasonBlacklisted {
		s.connManager.Forget(c.ClientID)
	}
	return fromResponse(resp), nil
}

func toContact(req *wire.ContactRequest) fleet.Contact {
	c := fleet.Contact{
		ClientID:    req.ClientID,
		TokenSecret: req.Token,
		LastSeen:    req.Timestamp,
		Messages:    req.Messages,
		Acks:        req.Acks,
	}
	if e := req.Enrollment; e != nil {
		c.Enrollment = &agents.Info{
			Hostname:     e.Hostname,
			OSType:       e.OSType,
			OSVersion:    e.OSVersion,
			AgentVersion: e.AgentVersion,
			IPAddress:    e.IPAddress,
		}
	}
	return c
}

func fromResponse(resp fleet.Response) *wire.ContactResponse {
	return &wire.ContactResponse{
		Status:    string(resp.Status),
		Reason:    string(resp.Reason),
		ClientID:  resp.ClientID,
		Messages:  resp.Messages,
		AckCursor: resp.AckCursor,
	}
}

// Package livekit implements the telephony capabilities on a LiveKit server
package livekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/telephony"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog"
)

// sipCallStatusAttr is set by the SIP service on phone participants
const sipCallStatusAttr = "sip.callStatus"

// Config holds server credentials and the outbound trunk used for dialing
type Config struct {
	URL             string
	APIKey          string
	APISecret       string
	OutboundTrunkID string
}

// moveParticipantPath is the RoomService RPC the SDK client does not wrap yet
const moveParticipantPath = "/twirp/livekit.RoomService/MoveParticipant"

// Gateway talks to LiveKit's room, SIP and agent dispatch services
type Gateway struct {
	rooms     *lksdk.RoomServiceClient
	sip       *lksdk.SIPClient
	dispatch  *lksdk.AgentDispatchClient
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	trunkID   string
	logger    zerolog.Logger
}

// New creates a Gateway
func New(cfg Config, logger zerolog.Logger) *Gateway {
	return &Gateway{
		rooms:     lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		sip:       lksdk.NewSIPClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		dispatch:  lksdk.NewAgentDispatchServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		baseURL:   strings.TrimRight(lksdk.ToHttpURL(cfg.URL), "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		http:      &http.Client{Timeout: 10 * time.Second},
		trunkID:   cfg.OutboundTrunkID,
		logger:    logger.With().Str("component", "livekit").Logger(),
	}
}

// Dispatch starts the named agent in the room with JSON-encoded metadata
func (g *Gateway) Dispatch(ctx context.Context, req telephony.DispatchRequest) error {
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return telephony.Wrap("dispatch", fmt.Errorf("encode metadata: %w", err))
	}

	d, err := g.dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: req.AgentName,
		Room:      req.RoomRef,
		Metadata:  string(metadata),
	})
	if err != nil {
		return telephony.Wrap("dispatch", err)
	}

	g.logger.Debug().
		Str("room", req.RoomRef).
		Str("agent_name", req.AgentName).
		Str("dispatch_id", d.GetId()).
		Msg("agent dispatched")
	return nil
}

func (g *Gateway) ListParticipants(ctx context.Context, roomRef string) ([]telephony.Participant, error) {
	res, err := g.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomRef})
	if err != nil {
		return nil, telephony.Wrap("list participants", err)
	}

	out := make([]telephony.Participant, 0, len(res.GetParticipants()))
	for _, p := range res.GetParticipants() {
		attrs := p.GetAttributes()
		sip := p.GetKind() == livekit.ParticipantInfo_SIP
		answered := p.GetState() == livekit.ParticipantInfo_ACTIVE
		if sip {
			answered = attrs[sipCallStatusAttr] == "active"
		}
		out = append(out, telephony.Participant{
			Identity:   p.GetIdentity(),
			Name:       p.GetName(),
			SIP:        sip,
			Answered:   answered,
			Attributes: attrs,
		})
	}
	return out, nil
}

func (g *Gateway) TransferParticipant(ctx context.Context, roomRef, participantRef, destination string) error {
	_, err := g.sip.TransferSIPParticipant(ctx, &livekit.TransferSIPParticipantRequest{
		RoomName:            roomRef,
		ParticipantIdentity: participantRef,
		TransferTo:          destination,
		PlayDialtone:        false,
	})
	return telephony.Wrap("transfer participant", err)
}

func (g *Gateway) CreateParticipant(ctx context.Context, req telephony.CreateParticipantRequest) (string, error) {
	info, err := g.sip.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          g.trunkID,
		SipCallTo:           req.Destination,
		RoomName:            req.RoomRef,
		ParticipantIdentity: req.Identity,
		ParticipantName:     req.Name,
		ParticipantMetadata: req.Metadata,
	})
	if err != nil {
		return "", telephony.Wrap("create participant", err)
	}
	// Room operations address participants by identity, not by server id
	if identity := info.GetParticipantIdentity(); identity != "" {
		return identity, nil
	}
	return req.Identity, nil
}

func (g *Gateway) RemoveParticipant(ctx context.Context, roomRef, identity string) error {
	_, err := g.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     roomRef,
		Identity: identity,
	})
	return telephony.Wrap("remove participant", err)
}

// MoveParticipant calls RoomService.MoveParticipant over Twirp's JSON
// encoding. The pinned protocol module has no generated message for it.
func (g *Gateway) MoveParticipant(ctx context.Context, fromRoom, identity, toRoom string) error {
	body, err := json.Marshal(map[string]string{
		"room":             fromRoom,
		"identity":         identity,
		"destination_room": toRoom,
	})
	if err != nil {
		return telephony.Wrap("move participant", err)
	}

	token, err := auth.NewAccessToken(g.apiKey, g.apiSecret).
		SetVideoGrant(&auth.VideoGrant{RoomAdmin: true, Room: fromRoom}).
		SetValidFor(time.Minute).
		ToJWT()
	if err != nil {
		return telephony.Wrap("move participant", fmt.Errorf("sign token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+moveParticipantPath, bytes.NewReader(body))
	if err != nil {
		return telephony.Wrap("move participant", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.http.Do(req)
	if err != nil {
		return telephony.Wrap("move participant", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var twerr struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &twerr) != nil || twerr.Code == "" {
			twerr.Code, twerr.Msg = resp.Status, strings.TrimSpace(string(raw))
		}
		return telephony.Wrap("move participant", fmt.Errorf("%s: %s", twerr.Code, twerr.Msg))
	}
	return nil
}

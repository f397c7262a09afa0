package spaceapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jaydenbeard/spacecore/internal/authgroup"
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/metrics"
	"github.com/jaydenbeard/spacecore/internal/middleware"
	"github.com/jaydenbeard/spacecore/internal/space"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/transport"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

// pushedEvent, membershipEvent and applicationEvent are the JSON shapes pushed to a
// connected participant's websocket as their hosted Space produces space.Event
// notifications (spec §4.H). Exactly one of Membership/Application is populated per
// message, mirroring space.Event's own union.
type pushedEvent struct {
	GroupID     string            `json:"group_id"`
	Membership  *membershipEvent  `json:"membership,omitempty"`
	Application *applicationEvent `json:"application,omitempty"`
}

type membershipEvent struct {
	Kind    string   `json:"kind"`
	Subject string   `json:"subject"`
	Access  string   `json:"access"`
	Members []string `json:"members"`
}

type applicationEvent struct {
	Sender    string `json:"sender"`
	Plaintext []byte `json:"plaintext"`
}

func eventKindString(k authgroup.EventKind) string {
	switch k {
	case authgroup.EventCreated:
		return "created"
	case authgroup.EventAdded:
		return "added"
	case authgroup.EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

func authenticatedParticipant(w http.ResponseWriter, r *http.Request) (identity.ID, bool) {
	id, ok := middleware.GetParticipantID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, spaceerr.New(spaceerr.KindUnexpectedMessage, "missing participant claim"))
		return identity.ID{}, false
	}
	return id, true
}

func pathGroupID(w http.ResponseWriter, r *http.Request) (identity.ID, bool) {
	group, err := parseID(mux.Vars(r)["groupID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return identity.ID{}, false
	}
	return group, true
}

func parseAccess(s string) (identity.Access, error) {
	switch s {
	case "pull":
		return identity.AccessPull, nil
	case "read":
		return identity.AccessRead, nil
	case "write":
		return identity.AccessWrite, nil
	case "manage":
		return identity.AccessManage, nil
	default:
		return identity.AccessNone, spaceerr.New(spaceerr.KindUnexpectedMessage, "unknown access level: "+s)
	}
}

type initialMemberRequest struct {
	ParticipantID string `json:"participant_id"`
	Access        string `json:"access"`
}

type createGroupRequest struct {
	Members []initialMemberRequest `json:"members"`
}

type createGroupResponse struct {
	GroupID string `json:"group_id"`
}

// handleCreateGroup founds a new group with the caller plus every listed member and fans
// the resulting create frame out to them (spec §4.D/§4.H Create).
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	initial := make([]wire.InitialMember, 0, len(req.Members))
	for _, m := range req.Members {
		id, err := parseID(m.ParticipantID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		access, err := parseAccess(m.Access)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		initial = append(initial, wire.InitialMember{Member: id, Access: access})
	}

	s.mu.Lock()
	km, known := s.keyManager[caller]
	s.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, spaceerr.New(spaceerr.KindNotMember, "unknown participant"))
		return
	}

	sp := space.New(km, s.directory, crypto.NewRng())
	outbound, err := sp.Create(initial)
	metrics.RecordOperation("create", err, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	s.spaces[spaceKey{participant: caller, group: sp.GroupID}] = sp
	s.mu.Unlock()

	s.fanOut(sp.GroupID, outbound)
	writeJSON(w, http.StatusCreated, createGroupResponse{GroupID: hex.EncodeToString(sp.GroupID[:])})
}

type seedMemberRequest struct {
	ParticipantID string `json:"participant_id"`
	Access        string `json:"access"`
	MemberCounter uint64 `json:"member_counter"`
	AccessCounter uint64 `json:"access_counter"`
}

type welcomeRequest struct {
	// Frame is the base64-encoded create/add/promote/demote frame the inviter delivered
	// out of band (spec §4.E's priorHistory/welcome flow).
	Frame string `json:"frame"`
	// SeedAuth is the full membership state as it stood immediately after Frame was
	// applied by the inviter, required for every welcomeOp except ActionCreate (space.
	// Space.Welcome's doc comment explains why: a late joiner's welcomeOp only carries a
	// single-member delta, not the complete membership).
	SeedAuth []seedMemberRequest `json:"seed_auth,omitempty"`
}

// handleWelcome bootstraps the caller's Space to join a group it was just invited into
// (spec §4.E Welcome).
func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}
	group, ok := pathGroupID(w, r)
	if !ok {
		return
	}

	var req welcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Frame)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, payload, err := wire.DecodeFrame(raw)
	if err != nil || kind != wire.FrameControl {
		writeError(w, http.StatusBadRequest, spaceerr.New(spaceerr.KindUnexpectedMessage, "welcome frame must carry a control operation"))
		return
	}
	op, err := wire.DecodeControlOperation(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	seedAuth := authgroup.New(group)
	for _, m := range req.SeedAuth {
		id, err := parseID(m.ParticipantID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		access, err := parseAccess(m.Access)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		seedAuth.Members[id] = authgroup.MemberState{
			Member:        id,
			MemberCounter: m.MemberCounter,
			Access:        access,
			AccessCounter: m.AccessCounter,
		}
	}

	s.mu.Lock()
	km, known := s.keyManager[caller]
	s.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, spaceerr.New(spaceerr.KindNotMember, "unknown participant"))
		return
	}

	sp := space.New(km, s.directory, crypto.NewRng())
	outbound, events, err := sp.Welcome(group, op, nil, seedAuth)
	metrics.RecordOperation("welcome", err, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	s.spaces[spaceKey{participant: caller, group: group}] = sp
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.JoinGroup(group, caller)
	}
	s.pushEvents(caller, group, events)
	s.fanOut(group, outbound)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	s.handleMembershipChange(w, r, func(sp *space.Space, target identity.ID, access identity.Access) ([]space.Outbound, error) {
		return sp.Add(target, access)
	}, "add")
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.handleMembershipChange(w, r, func(sp *space.Space, target identity.ID, access identity.Access) ([]space.Outbound, error) {
		return sp.Promote(target, access)
	}, "promote")
}

func (s *Server) handleDemote(w http.ResponseWriter, r *http.Request) {
	s.handleMembershipChange(w, r, func(sp *space.Space, target identity.ID, access identity.Access) ([]space.Outbound, error) {
		return sp.Demote(target, access)
	}, "demote")
}

func (s *Server) handleMembershipChange(w http.ResponseWriter, r *http.Request, apply func(*space.Space, identity.ID, identity.Access) ([]space.Outbound, error), opName string) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}
	group, ok := pathGroupID(w, r)
	if !ok {
		return
	}

	var req struct {
		ParticipantID string `json:"participant_id"`
		Access        string `json:"access"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := parseID(req.ParticipantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	access, err := parseAccess(req.Access)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sp, err := s.spaceFor(caller, group)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	outbound, err := apply(sp, target, access)
	metrics.RecordOperation(opName, err, 0)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	s.fanOut(group, outbound)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}
	group, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	target, err := parseID(mux.Vars(r)["memberID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sp, err := s.spaceFor(caller, group)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	outbound, err := sp.Remove(target)
	metrics.RecordOperation("remove", err, 0)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	if s.hub != nil {
		s.hub.LeaveGroup(group, target)
	}
	s.fanOut(group, outbound)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePCSUpdate(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}
	group, ok := pathGroupID(w, r)
	if !ok {
		return
	}

	sp, err := s.spaceFor(caller, group)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	outbound, err := sp.PCSUpdate()
	metrics.RecordOperation("pcs_update", err, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.fanOut(group, outbound)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	Plaintext []byte `json:"plaintext"`
}

// handleSend encrypts and broadcasts one application message (spec §4.H Send).
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}
	group, ok := pathGroupID(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sp, err := s.spaceFor(caller, group)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	outbound, err := sp.Send(req.Plaintext)
	metrics.RecordOperation("send", err, 0)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	s.fanOut(group, []space.Outbound{outbound})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebsocket upgrades the connection and registers it with the transport hub so
// pushEvents can reach this participant in real time, and joins the caller into groupID's
// locally-connected member set. The protocol carries no client-to-server frame over this
// channel (writes happen over the JSON HTTP endpoints above); ReadPump's loop exists purely
// to detect disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	caller, ok := authenticatedParticipant(w, r)
	if !ok {
		return
	}
	group, ok := pathGroupID(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, spaceerr.New(spaceerr.KindUnexpectedMessage, "no transport hub configured"))
		return
	}

	client, err := transport.NewClient(s.hub, caller, w, r)
	if err != nil {
		return
	}
	s.hub.JoinGroup(group, caller)
	metrics.UpdateTransportConnections(s.serverID, s.hub.ConnectionCount())

	go client.WritePump()
	client.ReadPump(func(identity.ID, []byte) {})
}

// pushEvents JSON-encodes each membership/application event and delivers it to
// participant's websocket connection, if one is open.
func (s *Server) pushEvents(participant, group identity.ID, events []space.Event) {
	if s.hub == nil {
		return
	}
	for _, ev := range events {
		payload := pushedEvent{GroupID: hex.EncodeToString(group[:])}
		if ev.Membership != nil {
			payload.Membership = &membershipEvent{
				Kind:    eventKindString(ev.Membership.Kind),
				Subject: hex.EncodeToString(ev.Membership.Subject[:]),
				Access:  ev.Membership.Access.String(),
				Members: hexIDs(ev.Membership.TransitiveMembers),
			}
		}
		if ev.Application != nil {
			payload.Application = &applicationEvent{
				Sender:    hex.EncodeToString(ev.Application.Sender[:]),
				Plaintext: ev.Application.Plaintext,
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		s.hub.Deliver(participant, encoded)
	}
}

func hexIDs(ids []identity.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = hex.EncodeToString(id[:])
	}
	return out
}

// Package spaceapi is cmd/spaced's JWT-protected HTTP and websocket edge: it registers a
// participant's long-term key material, issues bearer tokens, drives the internal/space
// facade's create/add/remove/promote/demote/send/receive operations over JSON requests,
// and carries ongoing traffic over an internal/transport websocket connection. Grounded on
// the teacher's HTTP server wiring (gorilla/mux routing, rs/cors, MetricsMiddleware,
// AuthMiddleware) generalized from the chat application's phone/PIN account model to
// identity.ID-keyed participants.
//
// A deployment of this package holds each registered participant's keymanager.State and
// Space handles server-side, the same trust model the teacher's chat-server already has
// for its users (it custodies message history and session keys); a client that wants to
// hold its own key material instead talks to internal/space directly and never needs this
// package.
package spaceapi

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jaydenbeard/spacecore/internal/auth"
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/jaydenbeard/spacecore/internal/metrics"
	"github.com/jaydenbeard/spacecore/internal/middleware"
	"github.com/jaydenbeard/spacecore/internal/pubsub"
	"github.com/jaydenbeard/spacecore/internal/space"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/transport"
	"github.com/rs/cors"
)

const accessTokenTTL = 1 * time.Hour

// OperationLog is the subset of the durable store the server persists through; satisfied
// by *db.PostgresStore.
type OperationLog interface {
	space.LogStore
}

// Server hosts every registered participant's key material and group handles, and exposes
// them over HTTP/websocket.
type Server struct {
	Router *mux.Router

	auth      *auth.AuthService
	directory space.Directory
	store     OperationLog
	hub       *transport.Hub
	pub       *pubsub.RedisClient
	serverID  string

	rateLimiter *middleware.EnhancedRateLimiter

	mu         sync.Mutex
	keyManager map[identity.ID]keymanager.State
	spaces     map[spaceKey]*space.Space
}

type spaceKey struct {
	participant identity.ID
	group       identity.ID
}

// NewServer wires the HTTP routes. pub may be nil, in which case cross-instance fan-out is
// disabled and only locally-connected members receive a frame. rateLimits may be nil, in
// which case the edge enforces no request-rate limiting; when set, limiting state is kept
// in pub's Redis connection so the limits are shared across every spaced instance rather
// than tracked per-process.
func NewServer(authService *auth.AuthService, directory space.Directory, store OperationLog, hub *transport.Hub, pub *pubsub.RedisClient, serverID string, rateLimits *middleware.RateLimitConfig) *Server {
	s := &Server{
		auth:       authService,
		directory:  directory,
		store:      store,
		hub:        hub,
		pub:        pub,
		serverID:   serverID,
		keyManager: make(map[identity.ID]keymanager.State),
		spaces:     make(map[spaceKey]*space.Space),
	}

	if rateLimits != nil && pub != nil {
		s.rateLimiter = middleware.NewEnhancedRateLimiter(rateLimits, pub.GetClient())
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/v1/identities", s.handleRegisterIdentity).Methods(http.MethodPost)
	router.HandleFunc("/v1/auth/token", s.handleIssueToken).Methods(http.MethodPost)

	protected := router.NewRoute().Subrouter()
	protected.Use(middleware.AuthMiddleware(authService, isPublicPath))
	protected.HandleFunc("/v1/groups", s.handleCreateGroup).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/welcome", s.handleWelcome).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/members", s.handleAddMember).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/members/{memberID}", s.handleRemoveMember).Methods(http.MethodDelete)
	protected.HandleFunc("/v1/groups/{groupID}/members/{memberID}/promote", s.handlePromote).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/members/{memberID}/demote", s.handleDemote).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/pcs-update", s.handlePCSUpdate).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/messages", s.handleSend).Methods(http.MethodPost)
	protected.HandleFunc("/v1/groups/{groupID}/ws", s.handleWebsocket).Methods(http.MethodGet)

	s.Router = router
	return s
}

// Handler returns the fully wrapped http.Handler (CORS + metrics middleware around the
// route table), suitable for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	var h http.Handler = metrics.MetricsMiddleware(s.Router)
	if s.rateLimiter != nil {
		h = s.rateLimiter.Middleware(h)
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(h)
}

func isPublicPath(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/metrics", "/v1/identities", "/v1/auth/token":
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerIdentityResponse struct {
	ParticipantID string `json:"participant_id"`
}

// handleRegisterIdentity generates a fresh identity/prekey bundle server-side and publishes
// it to the directory, standing in for a client-side keymanager.Init call in a deployment
// where participants hold their own keys.
func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	rng := crypto.NewRng()
	km, err := keymanager.Init(rng, keymanager.NewLifetime(time.Now(), keymanager.DefaultPrekeyValidity))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	km, published, err := keymanager.GenerateOnetimePreKeys(km, 10, rng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	participantID := identity.ID(km.IdentityKey)

	s.mu.Lock()
	s.keyManager[participantID] = km
	s.mu.Unlock()

	if publisher, ok := s.directory.(interface {
		PublishBundle(identity.ID, keymanager.Bundle) error
	}); ok {
		var onetime *keymanager.OneTimePreKeyPublic
		if len(published) > 0 {
			onetime = &published[0]
		}
		if err := publisher.PublishBundle(participantID, keymanager.PublishBundle(km, onetime)); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, registerIdentityResponse{ParticipantID: hex.EncodeToString(participantID[:])})
}

type issueTokenRequest struct {
	ParticipantID string `json:"participant_id"`
}

type issueTokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := parseID(req.ParticipantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	_, known := s.keyManager[id]
	s.mu.Unlock()
	if !known {
		metrics.RecordAuthAttempt(false)
		writeError(w, http.StatusNotFound, spaceerr.New(spaceerr.KindNotMember, "unknown participant"))
		return
	}

	token, expiresAt, err := s.auth.GenerateToken(id, accessTokenTTL)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.RecordAuthAttempt(true)
	writeJSON(w, http.StatusOK, issueTokenResponse{AccessToken: token, ExpiresAt: expiresAt})
}

// spaceFor returns (creating on first use) the Space handle for the authenticated
// participant's view of groupID. Space handles live only for the process lifetime: the
// durable store records every frame this instance sent or applied (space.LogStore) for
// audit and cross-instance catch-up, but reconstructing a Space's full scheduling state
// (orderer heads, per-sender epoch references, pending acks) from that log on restart is
// not implemented, so a restart loses in-flight Spaces. A client that reconnects after a
// restart re-establishes its Space the same way it did the first time: Welcome using the
// group's current welcomeOp, which a still-member peer can supply.
func (s *Server) spaceFor(participant, group identity.ID) (*space.Space, error) {
	key := spaceKey{participant: participant, group: group}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sp, ok := s.spaces[key]; ok {
		return sp, nil
	}

	km, ok := s.keyManager[participant]
	if !ok {
		return nil, spaceerr.New(spaceerr.KindNotMember, "unknown participant")
	}

	sp := space.New(km, s.directory, crypto.NewRng())
	s.spaces[key] = sp
	return sp, nil
}

// recordFrame appends frame to the durable operation log for group, if a store is
// configured. Failures are logged, not surfaced: the in-memory Space already committed
// the operation, and a missed log entry only narrows what a future cross-instance catch-up
// can replay.
func (s *Server) recordFrame(group identity.ID, frame []byte) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendOperation(group, frame); err != nil {
		writeErrorLog("append operation", err)
	}
}

// fanOut delivers every outbound frame to this group's other members: it is applied
// against every other Space this instance hosts for the group directly (DeliverFromPubsub),
// and published so other instances' hosted Spaces receive it the same way via their own
// pubsub.Subscribe callback.
func (s *Server) fanOut(group identity.ID, outbound []space.Outbound) {
	for _, ob := range outbound {
		s.recordFrame(group, ob.Frame)
		s.DeliverFromPubsub(group, ob.Frame)
		if s.pub != nil {
			err := s.pub.Publish(group, ob.Frame)
			metrics.RecordPubsubPublish(err)
		}
	}
}

// DeliverFromPubsub implements pubsub.Hub: frame is one control or application wire frame
// for group, originating from this instance's own fanOut or from another instance's
// pubsub.Publish. It is applied against every Space this instance currently hosts for
// group (Space.Receive is a no-op for an operation the receiving Space itself originated),
// and any resulting events are pushed to that participant's websocket connection.
func (s *Server) DeliverFromPubsub(group identity.ID, frame []byte) {
	s.mu.Lock()
	hosted := make([]identity.ID, 0, len(s.spaces))
	for key := range s.spaces {
		if key.group == group {
			hosted = append(hosted, key.participant)
		}
	}
	s.mu.Unlock()

	for _, participant := range hosted {
		s.mu.Lock()
		sp := s.spaces[spaceKey{participant: participant, group: group}]
		s.mu.Unlock()
		if sp == nil {
			continue
		}

		outbound, events, err := sp.Receive(frame)
		if err != nil {
			writeErrorLog("receive frame for "+hex.EncodeToString(participant[:]), err)
			continue
		}
		s.pushEvents(participant, group, events)
		if len(outbound) > 0 {
			s.fanOut(group, outbound)
		}
	}
}

func parseID(hexStr string) (identity.ID, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return identity.ID{}, err
	}
	if len(raw) != 32 {
		return identity.ID{}, spaceerr.New(spaceerr.KindUnexpectedMessage, "identity must be 32 bytes")
	}
	var id identity.ID
	copy(id[:], raw)
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeErrorLog(op string, err error) {
	// Logged rather than surfaced to the HTTP caller: the in-memory Space already
	// committed the operation, and a failure here only narrows what a later catch-up can
	// replay or which participant got a real-time push.
	log.Printf("spaceapi: %s: %v", op, err)
}

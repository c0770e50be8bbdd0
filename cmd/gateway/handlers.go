package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
	"github.com/eblocker/eblocker-sub002/pkg/httpx"
	"github.com/eblocker/eblocker-sub002/pkg/pagectx"
	"github.com/eblocker/eblocker-sub002/pkg/redirect"
	"github.com/eblocker/eblocker-sub002/pkg/session"
	"github.com/eblocker/eblocker-sub002/pkg/stream"
	"github.com/eblocker/eblocker-sub002/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type transactionRequest struct {
	IP             string `json:"ip"`
	UserAgent      string `json:"userAgent"`
	UserID         int    `json:"userId"`
	URL            string `json:"url"`
	Accept         string `json:"accept,omitempty"`
	RedirectTarget string `json:"redirectTarget,omitempty"`
}

type transactionResponse struct {
	SessionID string `json:"sessionId"`
	Decision  string `json:"decision"`
	Token     string `json:"token,omitempty"`
	DecideURL string `json:"decideUrl,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`
}

// handleTransaction is the interception pipeline's entry point: it
// attributes the transaction to a session, replays a stored decision
// for the domain when one exists, and otherwise prepares a decision
// round trip.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.Error(w, 400, "url required")
		return
	}
	sess, err := s.Sessions.Resolve(r.Context(), session.Identity{
		IP:        req.IP,
		UserAgent: req.UserAgent,
		UserID:    req.UserID,
	})
	if err != nil {
		if errors.Is(err, session.ErrUnknownDevice) {
			httpx.Error(w, 403, "unknown device")
			return
		}
		httpx.Error(w, 500, "session resolution failed")
		return
	}
	telemetry.TagSession(r.Context(), sess.ShortID())

	domain, err := redirect.Domain(req.URL)
	if err != nil {
		httpx.Error(w, 400, "invalid url")
		return
	}
	stored, err := s.Workflow.StoredDecision(r.Context(), sess.ID(), domain)
	if err != nil {
		httpx.Error(w, 500, "decision lookup failed")
		return
	}
	resp := transactionResponse{SessionID: sess.ID(), Decision: string(stored)}
	switch stored {
	case decision.Pass:
		resp.TargetURL = req.URL
	case decision.Redirect:
		resp.TargetURL = req.RedirectTarget
	default:
		// Only undecided domains get a correlation cache entry.
		token, err := s.Workflow.Prepare(sess, req.URL, req.Accept, req.RedirectTarget)
		if err != nil {
			if errors.Is(err, redirect.ErrInvalidURL) {
				httpx.Error(w, 400, "invalid url")
				return
			}
			httpx.Error(w, 500, "prepare failed")
			return
		}
		resp.Token = token
		resp.DecideURL = s.DecideBaseURL + "?token=" + token
	}
	httpx.WriteJSON(w, 200, resp)
}

type decideRequest struct {
	Decision string `json:"decision"`
}

// handleDecide is the decision-UI callback carrying the user's answer
// for one in-flight transaction.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req decideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chosen, err := decision.Parse(req.Decision)
	if err != nil {
		httpx.Error(w, 400, "invalid decision keyword")
		return
	}
	target, err := s.Workflow.Resolve(r.Context(), token, chosen)
	if err != nil {
		switch {
		case errors.Is(err, redirect.ErrTransactionNotFound):
			httpx.Error(w, 404, "decision request no longer valid")
		case errors.Is(err, redirect.ErrSessionNotFound):
			httpx.Error(w, 404, "session not found")
		case errors.Is(err, redirect.ErrUnsupportedDecision):
			httpx.Error(w, 400, "unsupported decision")
		default:
			httpx.Error(w, 500, "decision failed")
		}
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"redirectUrl": target})
}

type forwardClaimRequest struct {
	URL string `json:"url"`
}

// handleForwardClaim pops the one-shot forward decision for a URL the
// pipeline is about to replay. The second claim for the same URL
// reports no decision.
func (s *Server) handleForwardClaim(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	var req forwardClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, found := sess.Forward().Pop(req.URL)
	httpx.WriteJSON(w, 200, map[string]interface{}{"decision": string(d), "found": found})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Sessions.Snapshot())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, sess.Info())
}

func (s *Server) getForest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	forest := sess.Pages().SnapshotForest()
	if forest == nil {
		forest = []pagectx.Node{}
	}
	httpx.WriteJSON(w, 200, forest)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	var cfg session.Settings
	if !decodeJSON(w, r, &cfg) {
		return
	}
	sess.ApplySettings(cfg)
	httpx.WriteJSON(w, 200, sess.Settings())
}

type pageContextRequest struct {
	ParentID string `json:"parentId,omitempty"`
	Origin   string `json:"origin"`
	IP       string `json:"ip,omitempty"`
}

func (s *Server) postPageContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	var req pageContextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Origin) == "" {
		httpx.Error(w, 400, "origin required")
		return
	}
	ctx := sess.Pages().GetOrCreate(req.ParentID, req.Origin, req.IP)
	httpx.WriteJSON(w, 200, ctx)
}

func (s *Server) promotePageContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	if err := sess.Pages().PromoteToRoot(chi.URLParam(r, "context_id")); err != nil {
		httpx.Error(w, 404, "no such page context")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "promoted"})
}

type whiteListRequest struct {
	Origin   string `json:"origin"`
	Ads      bool   `json:"ads"`
	Trackers bool   `json:"trackers"`
}

func (s *Server) putWhiteList(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	var req whiteListRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg := pagectx.WhiteListConfig{Ads: req.Ads, Trackers: req.Trackers}
	if err := sess.Pages().SetWhiteList(req.Origin, cfg); err != nil {
		httpx.Error(w, 404, "no such page context")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

type blockedRequest struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
	ItemID string `json:"itemId"`
}

func (s *Server) postBlocked(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	var req blockedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind := pagectx.Kind(req.Kind)
	if kind != pagectx.KindAds && kind != pagectx.KindTrackings {
		httpx.Error(w, 400, "kind must be ads or trackers")
		return
	}
	sess.RecordBlocked(kind, req.Origin, req.ItemID)
	s.Metrics.Blocked(req.Kind)
	s.Events.Publish(stream.NewEvent(stream.TypeBlocked, stream.BlockedEvent{
		SessionShortID: sess.ShortID(),
		Origin:         req.Origin,
		Kind:           req.Kind,
		ItemID:         req.ItemID,
	}))
	ads, trackings := sess.BlockedCounts()
	httpx.WriteJSON(w, 200, map[string]int64{"blockedAds": ads, "blockedTrackings": trackings})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	decisions, err := s.Workflow.StoredDecisions(r.Context(), sess.ID())
	if err != nil {
		httpx.Error(w, 500, "decision listing failed")
		return
	}
	httpx.WriteJSON(w, 200, decisions)
}

func (s *Server) putDecision(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	var req decideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := decision.Parse(req.Decision)
	if err != nil {
		httpx.Error(w, 400, "invalid decision keyword")
		return
	}
	domain := chi.URLParam(r, "domain")
	if err := s.Workflow.PersistDecision(r.Context(), sess.ID(), domain, d); err != nil {
		switch {
		case errors.Is(err, decision.ErrInvalidTransition):
			httpx.Error(w, 409, "invalid decision transition")
		case errors.Is(err, redirect.ErrUnsupportedDecision):
			httpx.Error(w, 400, "unsupported decision")
		default:
			httpx.Error(w, 500, "persist failed")
		}
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"domain": domain, "decision": string(d)})
}

func (s *Server) resetDecision(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	domain := chi.URLParam(r, "domain")
	if err := s.Workflow.ResetDecision(r.Context(), sess.ID(), domain); err != nil {
		httpx.Error(w, 500, "reset failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"domain": domain, "decision": string(decision.Ask)})
}

func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 503, "audit trail disabled")
		return
	}
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	entries, err := s.Audit.Recent(r.Context(), sess.ID(), envInt("AUDIT_TRAIL_LIMIT", 50))
	if err != nil {
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, entries)
}

func (s *Server) findSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.Sessions.Find(chi.URLParam(r, "session_id"))
	if !ok {
		httpx.Error(w, 404, "session not found")
		return nil, false
	}
	telemetry.TagSession(r.Context(), sess.ShortID())
	return sess, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpx.Error(w, 400, "invalid request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		httpx.Error(w, 400, "invalid json")
		return false
	}
	return true
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mercator-hq/concord/pkg/audit"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/security/auth"
	"mercator-hq/concord/pkg/store"
	"mercator-hq/concord/pkg/telemetry/logging"
)

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.SyncStatus())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if err := s.node.ForceSync(r.Context(), peer); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.node.SyncStatus())
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Level:         rule.Scope(q.Get("level")),
		Type:          rule.RuleType(q.Get("type")),
		Tag:           q.Get("tag"),
		Parent:        q.Get("parent"),
		OverridesOnly: q.Get("overrides") == "only",
	}
	if q.Get("overrides") == "exclude" {
		f.ExcludeOverrides = true
	}
	if v := q.Get("scope"); v != "" {
		ref, err := rule.ParseScopeRef(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_scope", err.Error())
			return
		}
		f.Scope = &ref
	}
	rules, err := s.node.ListRules(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rules == nil {
		rules = []*rule.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var def rule.Rule
	if !decode(w, r, &def) {
		return
	}
	created, err := s.node.CreateRule(r.Context(), &def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	got, err := s.node.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	expected, err := strconv.ParseUint(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_version", "version query parameter is required")
		return
	}
	var def rule.Rule
	if !decode(w, r, &def) {
		return
	}
	def.ID = r.PathValue("id")
	updated, err := s.node.UpdateRule(r.Context(), &def, expected)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.node.DeleteRule(logging.WithRule(r.Context(), id), id, cascade); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.node.GetRule(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	hist, err := s.node.RuleHistory(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if hist == nil {
		hist = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleEffectiveRule(w http.ResponseWriter, r *http.Request) {
	eff, err := s.node.EffectiveRule(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var def rule.Rule
	if !decode(w, r, &def) {
		return
	}
	created, err := s.node.CreateOverride(r.Context(), r.PathValue("id"), &def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleEmergencyPush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reports, err := s.node.EmergencyPush(logging.WithRule(r.Context(), id), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var ctx rule.Context
	if !decode(w, r, &ctx) {
		return
	}
	d, err := s.node.Evaluate(r.Context(), ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = string(rule.ScopeGlobal)
	}
	if _, err := rule.ParseScopeRef(scope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.node.InheritanceTree(scope))
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := conflict.Filter{
		Kind:          conflict.Kind(q.Get("kind")),
		RuleID:        q.Get("rule"),
		EscalatedOnly: q.Get("escalated") == "true",
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be an RFC 3339 time")
			return
		}
		f.Since = since
	}
	recs := s.node.Conflicts(f)
	if recs == nil {
		recs = []*conflict.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// SettleRequest is the body of a conflict settlement.
type SettleRequest struct {
	Winner   string `json:"winner"`
	Operator string `json:"operator"`
}

func (s *Server) handleSettleConflict(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	if op, ok := auth.Operator(r.Context()); ok && req.Operator == "" {
		req.Operator = op
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "operator is required")
		return
	}
	rec, err := s.node.SettleConflict(r.PathValue("id"), req.Winner, req.Operator)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	rec := s.node.Audit()
	if rec == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "auditing is not enabled on this node")
		return
	}
	q := r.URL.Query()
	query := audit.Query{
		Kind:       audit.Kind(q.Get("kind")),
		RuleID:     q.Get("rule"),
		Node:       q.Get("node"),
		Descending: q.Get("order") != "asc",
	}
	for name, dst := range map[string]*int{"limit": &query.Limit, "offset": &query.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}
	recs, err := rec.Sink().Query(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

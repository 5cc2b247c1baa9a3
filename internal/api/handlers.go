package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/sheikh-saqib/karma-ledger/internal/aggregate"
	"github.com/sheikh-saqib/karma-ledger/internal/ledger"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// HeaderIdempotencyKey makes an award safe to retry.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderReplayed is set on award responses served from an earlier call.
const HeaderReplayed = "Idempotent-Replayed"

// Column sizes of the SQL schema. Body limits repeat them in binding tags.
const (
	maxUserIDLen = 128
	maxKeyLen    = 128
)

type awardBody struct {
	Domain      string         `json:"domain" binding:"required,max=64"`
	Action      string         `json:"action" binding:"required,max=128"`
	EvidenceRef *string        `json:"evidence_ref" binding:"omitempty,max=512"`
	Meta        map[string]any `json:"meta"`
}

func (s *Server) award(c *gin.Context) {
	var body awardBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid award request: %v", err)
		return
	}
	key := c.GetHeader(HeaderIdempotencyKey)
	if key == "" {
		key = c.Query("idempotency_key")
	}
	if utf8.RuneCountInString(key) > maxKeyLen {
		badRequest(c, "idempotency key exceeds %d characters", maxKeyLen)
		return
	}

	res, err := s.svc.Ledger.Award(c.Request.Context(), ledger.AwardRequest{
		UserID:         callerID(c),
		Domain:         body.Domain,
		Action:         body.Action,
		EvidenceRef:    body.EvidenceRef,
		IdempotencyKey: key,
		Meta:           body.Meta,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if res.Replayed {
		c.Header(HeaderReplayed, "true")
		c.JSON(http.StatusOK, res.Entry)
		return
	}
	c.JSON(http.StatusCreated, res.Entry)
}

type entryRef struct {
	EntryID int64 `json:"entry_id" binding:"required,gt=0"`
}

func (s *Server) reverse(c *gin.Context) {
	var body entryRef
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid reverse request: %v", err)
		return
	}
	entry, err := s.svc.Ledger.Reverse(c.Request.Context(), callerID(c), body.EntryID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type flagBody struct {
	EntryID int64                 `json:"entry_id" binding:"required,gt=0"`
	Status  models.EvidenceStatus `json:"status" binding:"required"`
}

func (s *Server) flag(c *gin.Context) {
	var body flagBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid flag request: %v", err)
		return
	}
	ev, err := s.svc.Ledger.FlagEvidence(c.Request.Context(), body.EntryID, body.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

type balanceResponse struct {
	UserID  string  `json:"user_id"`
	Domain  *string `json:"domain,omitempty"`
	Balance int64   `json:"balance"`
}

func (s *Server) balance(c *gin.Context) {
	user := c.Param("user")
	domain := optional(c, "domain")
	bal, err := s.svc.Scores.Balance(c.Request.Context(), user, domain)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{UserID: user, Domain: domain, Balance: bal})
}

func (s *Server) trust(c *gin.Context) {
	tr, err := s.svc.Scores.Trust(c.Request.Context(), c.Param("user"), optional(c, "domain"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

type leaderboardResponse struct {
	Domain    *string            `json:"domain,omitempty"`
	SinceDays *int               `json:"since_days,omitempty"`
	Mode      aggregate.Mode     `json:"mode"`
	Items     []models.UserScore `json:"items"`
}

func (s *Server) leaderboard(c *gin.Context) {
	q := aggregate.LeaderboardQuery{
		Domain: optional(c, "domain"),
		Mode:   aggregate.Mode(c.DefaultQuery("mode", string(aggregate.ModeSum))),
	}
	var ok bool
	if q.SinceDays, ok = optionalInt(c, "since_days"); !ok {
		return
	}
	limit, ok := optionalInt(c, "limit")
	if !ok {
		return
	}
	if limit != nil {
		q.Limit = *limit
	}
	window, ok := optionalInt(c, "window_days")
	if !ok {
		return
	}
	if window != nil {
		q.RecencyWindowDays = *window
	}

	items, err := s.svc.Rankings.Leaderboard(c.Request.Context(), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if items == nil {
		items = []models.UserScore{}
	}
	c.JSON(http.StatusOK, leaderboardResponse{Domain: q.Domain, SinceDays: q.SinceDays, Mode: q.Mode, Items: items})
}

func (s *Server) history(c *gin.Context) {
	page, ok := pageParams(c)
	if !ok {
		return
	}
	hp, err := s.svc.Ledger.History(c.Request.Context(), c.Param("user"), optional(c, "domain"), page)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, hp)
}

func (s *Server) entry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := s.svc.Ledger.Entry(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) export(c *gin.Context) {
	format := ledger.ExportFormat(c.DefaultQuery("format", string(ledger.FormatJSON)))
	filter := models.EntryFilter{
		UserID: optional(c, "user_id"),
		Domain: optional(c, "domain"),
		Action: optional(c, "action"),
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "before": &filter.Before} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "%s must be an RFC 3339 timestamp", name)
			return
		}
		*dst = &t
	}

	var contentType string
	switch format {
	case ledger.FormatJSON:
		contentType = "application/json"
	case ledger.FormatCSV:
		contentType = "text/csv"
	default:
		badRequest(c, "format must be json or csv")
		return
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="ledger.`+string(format)+`"`)
	c.Status(http.StatusOK)
	if err := s.svc.Ledger.Export(c.Request.Context(), filter, format, c.Writer); err != nil {
		if !c.Writer.Written() {
			abortWithError(c, err)
			return
		}
		// Headers are gone; the truncated body is all the client gets.
		_ = c.Error(err)
	}
}

type verificationBody struct {
	UserID string                    `json:"user_id" binding:"required,max=128"`
	Source models.VerificationSource `json:"source" binding:"required"`
	Level  int                       `json:"level"`
}

func (s *Server) recordVerification(c *gin.Context) {
	var body verificationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid verification request: %v", err)
		return
	}
	v, err := s.svc.Verifications.Record(c.Request.Context(), body.UserID, body.Source, body.Level)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

type openDisputeBody struct {
	EntryID int64  `json:"entry_id" binding:"required,gt=0"`
	Reason  string `json:"reason" binding:"required,max=512"`
}

func (s *Server) openDispute(c *gin.Context) {
	var body openDisputeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid dispute request: %v", err)
		return
	}
	d, err := s.svc.Disputes.Open(c.Request.Context(), body.EntryID, callerID(c), body.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type resolveBody struct {
	Resolution models.DisputeStatus `json:"resolution" binding:"required"`
	Note       *string              `json:"note" binding:"omitempty,max=1024"`
}

func (s *Server) resolveDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid resolve request: %v", err)
		return
	}
	d, err := s.svc.Disputes.Resolve(c.Request.Context(), id, callerID(c), body.Resolution, body.Note)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) getDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := s.svc.Disputes.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) listDisputes(c *gin.Context) {
	page, ok := pageParams(c)
	if !ok {
		return
	}
	var status *models.DisputeStatus
	if raw := c.Query("status"); raw != "" {
		st := models.DisputeStatus(raw)
		status = &st
	}
	list, err := s.svc.Disputes.List(c.Request.Context(), status, page)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []models.Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.svc.Rankings.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func optional(c *gin.Context, name string) *string {
	return models.StrPtr(strings.TrimSpace(c.Query(name)))
}

// optionalInt parses an integer query parameter. It writes a 400 and
// returns false when the value is present but malformed.
func optionalInt(c *gin.Context, name string) (*int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "%s must be a non-negative integer", name)
		return nil, false
	}
	return &n, true
}

func pageParams(c *gin.Context) (models.Page, bool) {
	limit, ok := optionalInt(c, "limit")
	if !ok {
		return models.Page{}, false
	}
	offset, ok := optionalInt(c, "offset")
	if !ok {
		return models.Page{}, false
	}
	var p models.Page
	if limit != nil {
		p.Limit = *limit
	}
	if offset != nil {
		p.Offset = *offset
	}
	return p.Clamp(), true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/worksite/internal/apperr"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	"github.com/smallbiznis/worksite/internal/mutation"
	project "github.com/smallbiznis/worksite/internal/project/domain"
	projectservice "github.com/smallbiznis/worksite/internal/project/service"
	timeline "github.com/smallbiznis/worksite/internal/timeline/domain"
)

type projectView struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	ClientName      string        `json:"client_name,omitempty"`
	Stage           finance.Stage `json:"stage"`
	PreDepositStage finance.Stage `json:"pre_deposit_stage,omitempty"`
}

type snapshotState struct {
	Seq         uint64    `json:"seq"`
	Pending     []string  `json:"pending,omitempty"`
	Unconfirmed bool      `json:"unconfirmed"`
	BuiltAt     time.Time `json:"built_at"`
}

type timelineResponse struct {
	snapshotState
	Feed timeline.Feed `json:"feed"`
}

type summaryResponse struct {
	snapshotState
	Project projectView              `json:"project"`
	Summary finance.FinancialSummary `json:"summary"`
}

type mutationResponse struct {
	Outcome mutation.Outcome         `json:"outcome"`
	Project projectView              `json:"project"`
	Summary finance.FinancialSummary `json:"summary"`
	Error   *errorPayload            `json:"error,omitempty"`
}

type quoteActionRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

func stateOf(snap *project.Snapshot) snapshotState {
	return snapshotState{
		Seq:         snap.Seq,
		Pending:     snap.Pending,
		Unconfirmed: snap.Unconfirmed,
		BuiltAt:     snap.BuiltAt,
	}
}

func viewOf(snap *project.Snapshot) projectView {
	return projectView{
		ID:              snap.ProjectID,
		Name:            snap.Project.Name,
		ClientName:      snap.Project.ClientName,
		Stage:           snap.Project.Stage,
		PreDepositStage: snap.Project.PreDepositStage,
	}
}

// openEngine returns the engine of the :projectID path parameter, loading
// it on first access.
func (s *Server) openEngine(c *gin.Context) (*projectservice.Engine, bool) {
	engine, err := s.registry.Open(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return engine, true
}

func (s *Server) GetTimeline(c *gin.Context) {
	filter, err := timeline.ParseFilter(c.Query("filter"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil || (pageSize != nil && *pageSize <= 0) {
		AbortWithError(c, apperr.Validation("page_size", "invalid_page_size", "page_size must be a positive integer"))
		return
	}
	showAll, err := parseOptionalBool(c.Query("show_all"))
	if err != nil {
		AbortWithError(c, apperr.Validation("show_all", "invalid_show_all", "show_all must be a boolean"))
		return
	}
	loc, err := parseOptionalLocation(c.Query("tz"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	engine, ok := s.openEngine(c)
	if !ok {
		return
	}

	q := timeline.Query{Filter: filter, Location: loc}
	if pageSize != nil {
		q.PageSize = *pageSize
	}
	if showAll != nil {
		q.ShowAll = *showAll
	}
	snap := engine.Snapshot()
	c.JSON(http.StatusOK, timelineResponse{
		snapshotState: stateOf(snap),
		Feed:          engine.Feed(q),
	})
}

func (s *Server) GetSummary(c *gin.Context) {
	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	snap := engine.Snapshot()
	c.JSON(http.StatusOK, summaryResponse{
		snapshotState: stateOf(snap),
		Project:       viewOf(snap),
		Summary:       snap.Summary,
	})
}

// RefreshProject runs a reconciliation pass. A pass that loaded only
// part of the record lists still answers 200 with partial set.
func (s *Server) RefreshProject(c *gin.Context) {
	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	before := engine.Snapshot().Seq
	err := engine.Refresh(c.Request.Context())
	snap := engine.Snapshot()
	if err != nil && !errors.Is(err, project.ErrStalePass) && snap.Seq == before {
		AbortWithError(c, err)
		return
	}
	partial := err != nil && !errors.Is(err, project.ErrStalePass)
	c.JSON(http.StatusOK, gin.H{
		"seq":         snap.Seq,
		"unconfirmed": snap.Unconfirmed,
		"partial":     partial,
	})
}

func (s *Server) GetDocumentLink(c *gin.Context) {
	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	url, err := engine.DocumentLink(c.Request.Context(), strings.TrimSpace(c.Param("eventID")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) ApplyQuoteAction(c *gin.Context) {
	actionType, err := project.ParseQuoteActionType(c.Param("action"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req quoteActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	action := project.QuoteAction{Type: actionType}
	if actionType == project.QuoteSetAmount {
		if req.Amount == nil {
			AbortWithError(c, apperr.Validation("amount", "missing_amount", "amount is required"))
			return
		}
		action.Amount = *req.Amount
	}

	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	out := engine.MutateQuote(c.Request.Context(), strings.TrimSpace(c.Param("quoteID")), action)
	s.respondOutcome(c, engine, out, http.StatusOK)
}

func (s *Server) CreatePayment(c *gin.Context) {
	var input project.PaymentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	out := engine.MutatePayment(c.Request.Context(), "", project.PaymentAction{
		Type:  project.PaymentAdd,
		Input: input,
	})
	s.respondOutcome(c, engine, out, http.StatusCreated)
}

func (s *Server) UpdatePayment(c *gin.Context) {
	var input project.PaymentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	out := engine.MutatePayment(c.Request.Context(), strings.TrimSpace(c.Param("paymentID")), project.PaymentAction{
		Type:  project.PaymentEdit,
		Input: input,
	})
	s.respondOutcome(c, engine, out, http.StatusOK)
}

func (s *Server) DeletePayment(c *gin.Context) {
	engine, ok := s.openEngine(c)
	if !ok {
		return
	}
	out := engine.MutatePayment(c.Request.Context(), strings.TrimSpace(c.Param("paymentID")), project.PaymentAction{
		Type: project.PaymentDelete,
	})
	s.respondOutcome(c, engine, out, http.StatusOK)
}

// respondOutcome writes the mutation result with the state it left
// behind. An unconfirmed write answers 202; failures carry the mapped
// error next to the outcome.
func (s *Server) respondOutcome(c *gin.Context, engine *projectservice.Engine, out mutation.Outcome, okStatus int) {
	snap := engine.Snapshot()
	resp := mutationResponse{
		Outcome: out,
		Project: viewOf(snap),
		Summary: snap.Summary,
	}

	switch out.Status {
	case mutation.StatusConfirmed:
		c.JSON(okStatus, resp)
	case mutation.StatusUnconfirmed:
		c.JSON(http.StatusAccepted, resp)
	default:
		status, payload := mapError(out.Err)
		resp.Error = &payload
		_ = c.Error(out.Err)
		c.JSON(status, resp)
	}
}

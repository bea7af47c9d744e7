package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
)

// The record routes expose the database-backed store over the JSON shape
// read by the remote record store client, so one worksite instance can
// serve as the record backend of another.

type fieldsRequest struct {
	Fields map[string]any `json:"fields"`
}

func bindFields(c *gin.Context) (map[string]any, bool) {
	var req fieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Fields == nil {
		AbortWithError(c, invalidRequestError())
		return nil, false
	}
	return req.Fields, true
}

func parseKindParam(c *gin.Context) (recordstore.Kind, bool) {
	kind, err := recordstore.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return "", false
	}
	return kind, true
}

func (s *Server) CreateProjectRecord(c *gin.Context) {
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	record, err := s.records.Create(c.Request.Context(), recordstore.KindProject, "", fields)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) ListRecords(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	result, err := s.records.Fetch(c.Request.Context(), kind, strings.TrimSpace(c.Param("projectID")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.Records == nil {
		result.Records = []recordstore.Record{}
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) CreateRecord(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	record, err := s.records.Create(c.Request.Context(), kind, strings.TrimSpace(c.Param("projectID")), fields)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) GetRecord(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	record, err := s.records.Get(c.Request.Context(), kind, strings.TrimSpace(c.Param("recordID")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) PatchRecord(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	result, err := s.records.Patch(c.Request.Context(), kind, strings.TrimSpace(c.Param("recordID")), fields)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) DeleteRecord(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	result, err := s.records.Delete(c.Request.Context(), kind, strings.TrimSpace(c.Param("recordID")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

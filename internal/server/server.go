// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package server exposes a jsonquery Manager over HTTP.
//
//	POST /api/:model/query?page=N&results_per_page=M   body: query document
//	GET  /api/:model/:value?field=id                   single record by unique field
//	GET  /api/models                                   registered model names
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/canonical/jsonquery"
)

// maxBodyBytes bounds the size of a query document.
const maxBodyBytes = 1 << 20

type Server struct {
	manager *jsonquery.Manager
	logger  *zap.Logger
}

func New(manager *jsonquery.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{manager: manager, logger: logger}
}

// Handler returns the router serving the API.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)

	api := router.Group("/api")
	api.GET("/models", s.models)
	api.POST("/:model/query", s.query)
	api.GET("/:model/:value", s.get)
	return router
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Info("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)),
	)
}

func (s *Server) models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.manager.Models()})
}

func (s *Server) query(c *gin.Context) {
	var opts []jsonquery.SelectOption
	for _, p := range []struct {
		name   string
		option func(int) jsonquery.SelectOption
	}{{"page", jsonquery.Page}, {"results_per_page", jsonquery.ResultsPerPage}} {
		raw, ok := c.GetQuery(p.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, &jsonquery.SpecificationError{Path: p.name, Reason: "expected an integer"})
			return
		}
		opts = append(opts, p.option(n))
	}

	query, err := decodeQuery(c.Request.Body)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := s.manager.Select(c.Request.Context(), c.Param("model"), query, opts...)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.write(c, result)
}

func (s *Server) get(c *gin.Context) {
	value, err := s.pathValue(c.Param("model"), c.Param("value"), c.Query("field"))
	if err != nil {
		s.fail(c, err)
		return
	}
	record, err := s.manager.SelectByUnique(c.Request.Context(), c.Param("model"), value, c.Query("field"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.write(c, record)
}

// pathValue converts the text of a path segment to the type of the field it
// is compared with.
func (s *Server) pathValue(model, text, field string) (any, error) {
	if field == "" {
		field = "id"
	}
	m, err := s.manager.Model(model)
	if err != nil {
		return nil, err
	}
	f, err := m.ResolveField(field)
	if err != nil {
		return nil, err
	}
	v, err := f.Decode(text)
	if err != nil {
		return nil, &jsonquery.SpecificationError{Path: "value", Reason: "not a valid " + f.Kind.String()}
	}
	return v, nil
}

// decodeQuery reads a query document. An empty body is the empty query.
func decodeQuery(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "cannot read request body")
	}
	if len(data) > maxBodyBytes {
		return nil, &jsonquery.SpecificationError{Reason: "query document too large"}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var query map[string]any
	if err := dec.Decode(&query); err != nil {
		return nil, &jsonquery.SpecificationError{Reason: "invalid JSON: " + err.Error()}
	}
	return query, nil
}

func (s *Server) write(c *gin.Context, result any) {
	data, err := s.manager.ToJSON(result)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// Status returns the HTTP status of an error returned by the Manager.
func Status(err error) int {
	switch {
	case errors.Is(err, jsonquery.ErrModelNotFound), errors.Is(err, jsonquery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jsonquery.ErrMultipleResults):
		return http.StatusConflict
	case jsonquery.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	Identifier string   `json:"identifier,omitempty"`
	Hints      []string `json:"hints,omitempty"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status := Status(err)
	body := errorBody{
		Error:      jsonquery.Kind(err),
		Message:    err.Error(),
		Identifier: jsonquery.Identifier(err),
		Hints:      errors.GetAllHints(err),
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("query failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		body.Error = "InternalError"
		body.Message = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

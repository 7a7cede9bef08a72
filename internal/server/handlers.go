package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/dispatch"
	gwerrors "github.com/poemonsense/ag2api-go/internal/errors"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// v1internalBody is the envelope the Cloud Code backend expects; only the
// fields the gateway rewrites are typed, the rest passes through untouched.
type v1internalBody map[string]interface{}

func (b v1internalBody) model() string {
	model, _ := b["model"].(string)
	return model
}

// handleV1Internal forwards POST /v1internal/:method to the backend with the
// model rewritten through the group's model map and the selected account's
// project injected per attempt.
func (s *Server) handleV1Internal(c *gin.Context) {
	method := c.Param("method")

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "failed to read request body"}})
		return
	}

	var body v1internalBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "request body is not valid JSON"}})
			return
		}
	} else {
		body = v1internalBody{}
	}

	group := config.GroupForModel(body.model())
	model := config.MapModel(group, body.model())
	if model != "" {
		body["model"] = model
	}

	resp, err := s.dispatcher.CallV1Internal(c.Request.Context(), &dispatch.Request{
		Method:      method,
		Group:       group,
		Model:       model,
		QueryString: c.Request.URL.RawQuery,
		BuildBody: func(projectID string) ([]byte, error) {
			body["project"] = projectID
			return json.Marshal(body)
		},
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.recordUsage(group, model)
	writeUpstream(c, resp)
}

// handleCountTokens routes token counting through the same rotation policy.
func (s *Server) handleCountTokens(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "failed to read request body"}})
		return
	}

	var body v1internalBody
	_ = json.Unmarshal(raw, &body)
	group := config.GroupForModel(body.model())
	model := config.MapModel(group, body.model())

	resp, err := s.dispatcher.CountTokens(c.Request.Context(), raw, group, model)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeUpstream(c, resp)
}

// handleListModels returns the catalog as seen by the current account.
func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.dispatcher.FetchAvailableModels(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleAccountsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Summary())
}

func (s *Server) handleAccountsReload(c *gin.Context) {
	summary, err := s.manager.ReloadAccounts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleAccountDelete(c *gin.Context) {
	if err := s.manager.DeleteAccountByFile(c.Param("file")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleProjectsRefresh(c *gin.Context) {
	result := s.manager.RefreshAllProjectIDs(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleQuotas(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatcher.QuotaSnapshot())
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": utils.GetLogger().GetHistory()})
}

// handleLogsStream serves the log feed as server-sent events. `?history=true`
// replays the buffered history before live entries.
func (s *Server) handleLogsStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"type": "api_error", "message": "streaming not supported"}})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	logger := utils.GetLogger()
	if c.Query("history") == "true" {
		for _, entry := range logger.GetHistory() {
			writeSSE(c, entry)
		}
		flusher.Flush()
	}

	entries := make(chan utils.LogEntry, 100)
	remove := logger.AddListener(func(entry utils.LogEntry) {
		select {
		case entries <- entry:
		default: // slow client, drop
		}
	})
	defer remove()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case entry := <-entries:
			writeSSE(c, entry)
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, entry utils.LogEntry) {
	if data, err := json.Marshal(entry); err == nil {
		c.Writer.Write([]byte("data: " + string(data) + "\n\n"))
	}
}

func (s *Server) handleStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	recent, err := s.stats.GetRecentStats(c.Request.Context(), 24)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"type": "api_error", "message": err.Error()}})
		return
	}
	totals, _ := s.stats.GetTotalsByFamily(c.Request.Context(), 24)
	c.JSON(http.StatusOK, gin.H{"enabled": true, "recent": recent, "totalsByFamily": totals})
}

func (s *Server) recordUsage(group config.Group, model string) {
	if s.stats == nil || model == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.stats.RecordRequest(ctx, string(group), model); err != nil {
			utils.Debug("[Server] usage stats record failed: %v", err)
		}
	}()
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(gwerrors.HTTPStatusFromError(err), gwerrors.FormatAPIError(err))
}

// writeUpstream relays an upstream exchange as-is: status, content headers,
// and the raw body.
func writeUpstream(c *gin.Context, resp *cloudcode.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	for _, h := range []string{"Retry-After", "X-Request-Id"} {
		if v := resp.Header.Get(h); v != "" {
			c.Header(h, v)
		}
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

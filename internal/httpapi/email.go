package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/outbox"
	"github.com/shineum/mail-dispatch/internal/parser"
	"github.com/shineum/mail-dispatch/internal/profile"
)

type sendResponse struct {
	Success   bool      `json:"success"`
	EmailID   string    `json:"emailId"`
	MessageID string    `json:"messageId,omitempty"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Warnings  []string  `json:"warnings,omitempty"`
}

func (h *handler) send(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)

	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	actor := actorFrom(c)
	res, err := h.deps.Dispatcher.Dispatch(c.Request.Context(), &req, actor)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}

	resp := sendResponse{
		Success:   true,
		EmailID:   res.EmailID,
		MessageID: res.ProviderMessageID,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	}
	for _, d := range res.DroppedAttachments {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("attachment %q could not be retrieved and was not sent", d.Filename))
	}
	setRateHeaders(c, res.Remaining, res.ResetAt)
	c.JSON(http.StatusOK, resp)
}

// writeDispatchError maps the dispatch error taxonomy to HTTP responses.
// Transport failures surface only their message.
func (h *handler) writeDispatchError(c *gin.Context, err error) {
	var (
		verr   *dispatch.ValidationError
		rlerr  *dispatch.RateLimitError
		nferr  *dispatch.NoFromAddressError
		atterr *dispatch.AttachmentError
		terr   *dispatch.TransmitError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": verr.Problems})
	case errors.As(err, &rlerr):
		setRateHeaders(c, rlerr.Remaining, rlerr.ResetAt)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "rate limit exceeded",
			"remaining": rlerr.Remaining,
			"resetAt":   rlerr.ResetAt,
		})
	case errors.As(err, &nferr):
		c.JSON(http.StatusBadRequest, gin.H{"error": nferr.Error()})
	case errors.As(err, &atterr):
		c.JSON(http.StatusBadRequest, gin.H{"error": atterr.Error()})
	case errors.As(err, &terr):
		c.JSON(http.StatusBadGateway, gin.H{"error": terr.Error(), "emailId": terr.EmailID})
	default:
		h.logger.Error("dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func setRateHeaders(c *gin.Context, remaining int, resetAt time.Time) {
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func (h *handler) parseEML(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer f.Close()

	// One byte past the limit lets the parser report the size error.
	raw, err := io.ReadAll(io.LimitReader(f, h.deps.Parser.MaxSize()+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	actor := actorFrom(c)
	var prof *profile.Profile
	if h.deps.Profiles != nil {
		p, err := h.deps.Profiles.Get(c.Request.Context(), actor.ID)
		switch {
		case err == nil:
			prof = p
		case !errors.Is(err, profile.ErrNotFound):
			h.logger.Warn("failed to load profile for recipient check", "user_id", actor.ID, "error", err)
		}
	}
	reply, err := h.deps.Parser.Parse(actor.ID, fh.Filename, raw, dispatch.CurrentAddress(actor, prof))
	if err != nil {
		var (
			nrerr *parser.NotRecipientError
			perr  *parser.ParseError
		)
		switch {
		case errors.As(err, &nrerr):
			c.JSON(http.StatusForbidden, gin.H{"error": nrerr.Error(), "code": "NOT_RECIPIENT"})
		case errors.As(err, &perr):
			c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
		default:
			h.logger.Error("parse failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": reply})
}

type historyItem struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	From              string     `json:"from"`
	ReplyTo           string     `json:"replyTo,omitempty"`
	To                []string   `json:"to"`
	Cc                []string   `json:"cc,omitempty"`
	Bcc               []string   `json:"bcc,omitempty"`
	Subject           string     `json:"subject"`
	BodyHTML          string     `json:"bodyHtml"`
	BodyText          string     `json:"bodyText,omitempty"`
	Attachments       string     `json:"attachments,omitempty"`
	InReplyTo         string     `json:"inReplyTo,omitempty"`
	References        string     `json:"references,omitempty"`
	IsReply           bool       `json:"isReply"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
}

func toHistoryItem(m outbox.Message) historyItem {
	return historyItem{
		ID:                m.ID,
		UserID:            m.UserID,
		From:              m.From,
		ReplyTo:           m.ReplyTo,
		To:                m.To,
		Cc:                m.Cc,
		Bcc:               m.Bcc,
		Subject:           m.Subject,
		BodyHTML:          m.BodyHTML,
		BodyText:          m.BodyText,
		Attachments:       m.Attachments,
		InReplyTo:         m.InReplyTo,
		References:        m.References,
		IsReply:           m.IsReply,
		Status:            string(m.Status),
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		SentAt:            m.SentAt,
	}
}

// scope limits standard actors to their own records.
func scope(actor dispatch.Actor) string {
	if actor.Role.Privileged() {
		return ""
	}
	return actor.ID
}

func (h *handler) history(c *gin.Context) {
	limit, err := queryInt(c, "limit", outbox.DefaultListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f := outbox.Filter{UserID: scope(actorFrom(c)), Limit: limit, Offset: offset}.Normalize()
	msgs, total, err := h.deps.Records.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("failed to list email history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch email history"})
		return
	}

	items := make([]historyItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, toHistoryItem(m))
	}
	c.JSON(http.StatusOK, gin.H{
		"emails": items,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *handler) stats(c *gin.Context) {
	actor := actorFrom(c)
	ctx := c.Request.Context()

	st, err := h.deps.Records.Stats(ctx, scope(actor))
	if err != nil {
		h.logger.Error("failed to compute email stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch email stats"})
		return
	}
	quota, err := h.deps.Quota.Check(ctx, actor.ID)
	if err != nil {
		h.logger.Error("failed to read rate limit", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch email stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   st.Total,
		"sent":    st.Sent,
		"failed":  st.Failed,
		"pending": st.Pending,
		"rateLimit": gin.H{
			"limit":     h.deps.Quota.Config().Limit,
			"remaining": quota.Remaining,
			"resetAt":   quota.ResetAt,
		},
	})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	s := c.Query(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

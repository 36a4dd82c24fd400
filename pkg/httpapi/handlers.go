package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dotsetgreg/alice/pkg/channels"
	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/session"
)

const defaultTurnPage = 100

// Handler serves the API routes on top of a session controller.
type Handler struct {
	ctrl     *session.Controller
	channels ChannelReporter
}

// ChannelReporter reports the chat front ends serve runs next to the API.
type ChannelReporter interface {
	Status() []channels.Status
}

type Option func(*Handler)

// WithChannels adds front end state to /healthz. A front end that is not
// running marks the service degraded.
func WithChannels(r ChannelReporter) Option {
	return func(h *Handler) { h.channels = r }
}

func NewHandler(ctrl *session.Controller, opts ...Option) *Handler {
	h := &Handler{ctrl: ctrl}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type startSessionRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Mode        string `json:"mode"`
	DisplayName string `json:"display_name"`
}

type sessionResponse struct {
	Session  memory.Session `json:"session"`
	Greeting string         `json:"greeting,omitempty"`
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type factRequest struct {
	Value string `json:"value" binding:"required"`
}

type replyResponse struct {
	SessionID string        `json:"session_id"`
	Mode      string        `json:"mode"`
	Text      string        `json:"text,omitempty"`
	Command   string        `json:"command,omitempty"`
	Queued    bool          `json:"queued,omitempty"`
	UserTurn  memory.Turn   `json:"user_turn,omitzero"`
	Turn      memory.Turn   `json:"turn,omitzero"`
	Facts     []memory.Fact `json:"facts,omitempty"`
	Closed    bool          `json:"closed,omitempty"`
}

func newReplyResponse(r session.Reply) replyResponse {
	return replyResponse{
		SessionID: r.SessionID,
		Mode:      r.Mode,
		Text:      r.Text,
		Command:   r.Command,
		Queued:    r.Queued,
		UserTurn:  r.UserTurn,
		Turn:      r.Turn,
		Facts:     r.Facts,
		Closed:    r.Closed,
	}
}

type modeResponse struct {
	modes.Mode
	Builtin bool `json:"builtin"`
	Default bool `json:"default"`
}

type importResponse struct {
	Users         int      `json:"users"`
	Sessions      int      `json:"sessions"`
	Turns         int      `json:"turns"`
	Facts         int      `json:"facts"`
	ModeOverrides []string `json:"mode_overrides,omitempty"`
}

func (h *Handler) Health(c *gin.Context) {
	storeErr, genErr := h.ctrl.Readiness(c.Request.Context())
	body := gin.H{
		"store":     checkStatus(storeErr),
		"generator": checkStatus(genErr),
		"backend":   h.ctrl.Generator().Name(),
	}
	degraded := storeErr != nil || genErr != nil
	if h.channels != nil {
		fronts := h.channels.Status()
		for _, f := range fronts {
			if !f.Running {
				degraded = true
			}
		}
		body["channels"] = fronts
	}
	if degraded {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

func checkStatus(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func (h *Handler) ListModes(c *gin.Context) {
	reg := h.ctrl.Modes()
	def := reg.Default().Name
	list := reg.List()
	out := make([]modeResponse, 0, len(list))
	for _, m := range list {
		out = append(out, modeResponse{Mode: m, Builtin: m.Builtin(), Default: m.Name == def})
	}
	c.JSON(http.StatusOK, gin.H{"default": def, "modes": out})
}

func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := h.ctrl.StartSession(c.Request.Context(), req.UserID, req.Mode, session.WithDisplayName(req.DisplayName))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{Session: sess, Greeting: h.ctrl.Greeting(sess)})
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.ctrl.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) ListTurns(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		badRequest(c, fmt.Errorf("invalid after %q", c.Query("after")))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTurnPage)))
	if err != nil || limit <= 0 {
		badRequest(c, fmt.Errorf("invalid limit %q", c.Query("limit")))
		return
	}
	turns, err := h.ctrl.History(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply, err := h.ctrl.Send(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if reply.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, newReplyResponse(reply))
}

func (h *Handler) SwitchMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply, err := h.ctrl.SwitchMode(c.Request.Context(), c.Param("id"), req.Mode)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReplyResponse(reply))
}

func (h *Handler) Pause(c *gin.Context) {
	sess, err := h.ctrl.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) Resume(c *gin.Context) {
	replies, err := h.ctrl.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]replyResponse, 0, len(replies))
	for _, r := range replies {
		out = append(out, newReplyResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"replies": out})
}

func (h *Handler) Close(c *gin.Context) {
	sess, err := h.ctrl.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) Reopen(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.ctrl.Reopen(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if sess.ID == id {
		c.JSON(http.StatusOK, sessionResponse{Session: sess})
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{Session: sess, Greeting: h.ctrl.Greeting(sess)})
}

func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.ctrl.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []memory.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// ListFacts returns the current facts, or every version of one key when
// ?key= is given.
func (h *Handler) ListFacts(c *gin.Context) {
	var (
		facts []memory.Fact
		err   error
	)
	if key := c.Query("key"); key != "" {
		facts, err = h.ctrl.FactHistory(c.Request.Context(), c.Param("id"), key)
	} else {
		facts, err = h.ctrl.Facts(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	c.JSON(http.StatusOK, gin.H{"facts": facts})
}

func (h *Handler) PutFact(c *gin.Context) {
	var req factRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	fact, err := h.ctrl.RememberFact(c.Request.Context(), c.Param("id"), c.Param("key"), req.Value)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, fact)
}

func (h *Handler) Export(c *gin.Context) {
	userID := c.Param("id")
	blob, err := h.ctrl.Export(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "alice-export-"+userID+".json"))
	c.Data(http.StatusOK, "application/json", blob)
}

func (h *Handler) Import(c *gin.Context) {
	blob, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.ctrl.Import(c.Request.Context(), c.Param("id"), blob)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := importResponse{
		Users:    res.Users,
		Sessions: res.Sessions,
		Turns:    res.Turns,
		Facts:    res.Facts,
	}
	for _, m := range res.ModeOverrides {
		out.ModeOverrides = append(out.ModeOverrides, m.Name)
	}
	c.JSON(http.StatusOK, out)
}

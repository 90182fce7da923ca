package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wavecast/internal/autoreply"
	"wavecast/internal/broadcast"
	"wavecast/internal/storage"
	logx "wavecast/pkg/logx"
)

const defaultOwner = "api"

// broadcastBody is the POST /api/broadcasts payload. Delays are seconds;
// omitted fields take the documented defaults.
type broadcastBody struct {
	Owner                        string   `json:"owner"`
	Name                         string   `json:"name"`
	ChannelIDs                   []string `json:"channel_ids"`
	Messages                     []string `json:"messages"`
	WaveCount                    *int     `json:"wave_count"`
	Multiplier                   *int     `json:"multiplier"`
	DelayBetweenWaves            *float64 `json:"delay_between_waves"`
	DelayBetweenChannels         *float64 `json:"delay_between_channels"`
	DelayBetweenMultiplierCycles *float64 `json:"delay_between_multiplier_cycles"`
}

func (b broadcastBody) request() broadcast.Request {
	owner := strings.TrimSpace(b.Owner)
	if owner == "" {
		owner = defaultOwner
	}
	return broadcast.Request{
		Owner:                owner,
		Name:                 b.Name,
		Channels:             b.ChannelIDs,
		Messages:             b.Messages,
		WaveCount:            intOr(b.WaveCount, 1),
		Multiplier:           intOr(b.Multiplier, 1),
		DelayBetweenWaves:    seconds(b.DelayBetweenWaves, time.Second),
		DelayBetweenChannels: seconds(b.DelayBetweenChannels, 500*time.Millisecond),
		DelayBetweenCycles:   seconds(b.DelayBetweenMultiplierCycles, 2*time.Second),
	}
}

// messageBody sends one message to one channel count times.
type messageBody struct {
	Owner     string   `json:"owner"`
	ChannelID string   `json:"channel_id"`
	Message   string   `json:"message"`
	Count     *int     `json:"count"`
	Delay     *float64 `json:"delay"`
}

func (b messageBody) request() broadcast.Request {
	owner := strings.TrimSpace(b.Owner)
	if owner == "" {
		owner = defaultOwner
	}
	req := broadcast.Request{
		Owner:              owner,
		Channels:           []string{b.ChannelID},
		WaveCount:          1,
		Multiplier:         intOr(b.Count, 1),
		DelayBetweenCycles: seconds(b.Delay, time.Second),
	}
	if b.Message != "" {
		req.Messages = []string{b.Message}
	}
	return req
}

type autoReplyBody struct {
	Enabled      bool     `json:"enabled"`
	Messages     []string `json:"messages"`
	MaxPerUser   *int     `json:"max_per_user"`
	DelayMin     *float64 `json:"delay_min"`
	DelayMax     *float64 `json:"delay_max"`
	ResetTime    *int     `json:"reset_time"` // seconds
	WaveMode     bool     `json:"wave_mode"`
	WaveMessages []string `json:"wave_messages"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func seconds(p *float64, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	return time.Duration(*p * float64(time.Second))
}

func bindJSON(c *gin.Context, v any) bool {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) startBroadcast(c *gin.Context) {
	var body broadcastBody
	if !bindJSON(c, &body) {
		return
	}
	s.submit(c, body.request())
}

func (s *Server) sendMessage(c *gin.Context) {
	var body messageBody
	if !bindJSON(c, &body) {
		return
	}
	s.submit(c, body.request())
}

func (s *Server) submit(c *gin.Context, req broadcast.Request) {
	id, err := s.deps.Broadcasts.StartBroadcast(c.Request.Context(), req)
	s.audit(c.Request.Context(), "broadcast.start", firstNonEmpty(id, req.Owner), err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"broadcast_id":   id,
		"total_messages": req.TotalMessages(),
	})
}

func (s *Server) listBroadcasts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"broadcasts": s.deps.Broadcasts.Status(c.Query("owner"))})
}

func (s *Server) getBroadcast(c *gin.Context) {
	st, out, err := s.deps.Broadcasts.Lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if st != nil {
		c.JSON(http.StatusOK, gin.H{"active": true, "status": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false, "outcome": out})
}

func (s *Server) killBroadcast(c *gin.Context) {
	id := c.Param("id")
	st, err := s.deps.Broadcasts.Kill(id)
	s.audit(c.Request.Context(), "broadcast.kill", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, broadcast.CancelResult{KilledCount: 1, Killed: []broadcast.Status{st}})
}

func (s *Server) killOwner(c *gin.Context) {
	owner := c.Param("owner")
	res := s.deps.Broadcasts.KillOwner(owner)
	s.audit(c.Request.Context(), "broadcast.kill_owner", owner, nil)
	c.JSON(http.StatusOK, res)
}

func (s *Server) listChats(c *gin.Context) {
	if s.deps.Chats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat directory unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": s.deps.Chats.List()})
}

// exportChats serves the chat directory as a JSON file download.
func (s *Server) exportChats(c *gin.Context) {
	if s.deps.Chats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat directory unavailable"})
		return
	}
	list := s.deps.Chats.List()
	c.Header("Content-Disposition", `attachment; filename="chats.json"`)
	c.IndentedJSON(http.StatusOK, gin.H{"exported_at": time.Now().UTC(), "count": len(list), "chats": list})
}

func (s *Server) collectInvites(c *gin.Context) {
	if s.deps.Invites == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "invite links unavailable"})
		return
	}
	invites := s.deps.Invites.Collect(c.Request.Context())
	ok := 0
	for _, inv := range invites {
		if inv.URL != "" {
			ok++
		}
	}
	s.audit(c.Request.Context(), "chats.invites", "all", nil)
	c.JSON(http.StatusOK, gin.H{"invites": invites, "found": ok})
}

func (s *Server) history(c *gin.Context) {
	if s.deps.Store == nil {
		writeError(c, storage.ErrDisabled)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	outs, err := s.deps.Store.RecentOutcomes(c.Request.Context(), c.Query("owner"), limit)
	if err != nil {
		s.log.Warn("history query failed", logx.Err(err))
		writeError(c, err)
		return
	}
	if outs == nil {
		outs = []broadcast.Outcome{}
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outs})
}

func (s *Server) getAutoReply(c *gin.Context) {
	if s.deps.AutoReply == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auto-reply unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.deps.AutoReply.Status())
}

// putAutoReply replaces auto-reply settings until the next config reload.
func (s *Server) putAutoReply(c *gin.Context) {
	if s.deps.AutoReply == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auto-reply unavailable"})
		return
	}
	var body autoReplyBody
	if !bindJSON(c, &body) {
		return
	}
	if body.WaveMode && len(body.WaveMessages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wave_messages required when wave_mode is set", "field": "wave_messages"})
		return
	}
	set := autoreply.Settings{
		Enabled:      body.Enabled,
		Responses:    body.Messages,
		WaveMode:     body.WaveMode,
		WaveMessages: body.WaveMessages,
		MaxPerUser:   intOr(body.MaxPerUser, 3),
		ResetWindow:  time.Duration(intOr(body.ResetTime, 3600)) * time.Second,
		DelayMin:     seconds(body.DelayMin, time.Second),
		DelayMax:     seconds(body.DelayMax, 3*time.Second),
	}
	if set.DelayMin < 0 || set.DelayMax < set.DelayMin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delay_min must be >= 0 and <= delay_max", "field": "delay_min"})
		return
	}
	s.deps.AutoReply.Apply(set)
	s.audit(c.Request.Context(), "autoreply.update", "settings", nil)
	c.JSON(http.StatusOK, s.deps.AutoReply.Status())
}

func (s *Server) audit(ctx context.Context, action, target string, err error) {
	if s.deps.Store == nil {
		return
	}
	e := storage.AuditEntry{At: time.Now(), Actor: "api", Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		s.log.Debug("audit append failed", logx.Err(aerr))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

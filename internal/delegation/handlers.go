package delegation

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

// GinHandlers contains HTTP handlers for the ownership lifecycle
type GinHandlers struct {
	manager *Manager
}

func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{
		manager: manager,
	}
}

type delegateRequest struct {
	RecordRef
	Target types.Context `json:"target"`
}

// DelegateHandler hands a market or trader record to the fast context
func (h *GinHandlers) DelegateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req delegateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Target == "" {
			req.Target = types.Fast
		}

		key := req.Key()
		if err := h.manager.Delegate(c.Request.Context(), key, req.Target); err != nil {
			response.Handle(c, nil, err)
			return
		}
		h.respondState(c, key)
	}
}

// UndelegateHandler commits a delegated record back to the durable context
func (h *GinHandlers) UndelegateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ref RecordRef
		if err := c.ShouldBindJSON(&ref); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		key := ref.Key()
		if err := h.manager.Undelegate(c.Request.Context(), key); err != nil {
			response.Handle(c, nil, err)
			return
		}
		h.respondState(c, key)
	}
}

// CommitHandler checkpoints a delegated record without returning ownership
func (h *GinHandlers) CommitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ref RecordRef
		if err := c.ShouldBindJSON(&ref); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		key := ref.Key()
		if err := h.manager.Commit(c.Request.Context(), key); err != nil {
			response.Handle(c, nil, err)
			return
		}
		h.respondState(c, key)
	}
}

// GetStateHandler reports the current owner of a record
// Query parameters: market_id, principal (optional)
func (h *GinHandlers) GetStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ref RecordRef
		if err := c.ShouldBindQuery(&ref); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.respondState(c, ref.Key())
	}
}

func (h *GinHandlers) respondState(c *gin.Context, key string) {
	d, err := h.manager.State(c.Request.Context(), key)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	response.Success(c, StateResponse{
		RecordKey: d.RecordKey,
		Owner:     d.Owner,
		Pending:   d.Pending,
		State:     d.State(),
		UpdatedAt: d.UpdatedAt,
	})
}

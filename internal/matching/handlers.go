package matching

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/oracle"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

// Verifier authenticates a price attestation
type Verifier interface {
	Verify(a oracle.Attestation) error
}

// GinHandlers contains HTTP handlers for the matching endpoint
type GinHandlers struct {
	service  *Service
	verifier Verifier
}

func NewGinHandlers(service *Service, verifier Verifier) *GinHandlers {
	return &GinHandlers{
		service:  service,
		verifier: verifier,
	}
}

// MatchOrderHandler handles POST requests matching a maker and a taker order
// Requires internal authentication and a signed attestation for the market
// URL parameter: market_id
func (h *GinHandlers) MatchOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body matchBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		marketID := c.Param("market_id")
		if body.Attestation.Symbol != marketID {
			response.Handle(c, nil, fmt.Errorf("%w: attestation for %q used on market %q",
				types.ErrInvalidAttestation, body.Attestation.Symbol, marketID))
			return
		}
		if err := h.verifier.Verify(body.Attestation); err != nil {
			response.Handle(c, nil, err)
			return
		}

		match, err := h.service.MatchOrder(c.Request.Context(), MatchRequest{
			MarketID:      marketID,
			Maker:         body.Maker,
			Taker:         body.Taker,
			AttestedPrice: body.Attestation.QuantizedValue,
			AttestedTime:  body.Attestation.TimestampNs,
		})
		response.Handle(c, match, err)
	}
}

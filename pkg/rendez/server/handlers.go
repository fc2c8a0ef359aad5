package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linkio-p2p/linkio/pkg/rendez/store"
	"github.com/linkio-p2p/linkio/pkg/rendez/types"
)

// subscribeTimeout bounds how long a websocket subscriber waits for the
// counterpart offer before the server gives up on it.
const subscribeTimeout = 2 * time.Minute

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server pairs peers by id and secret token, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

type Handler struct {
	store store.Store
}

func NewHandler(s store.Store) *Handler {
	return &Handler{store: s}
}

// RegisterHandler godoc
// @Summary      Register an offer
// @Description  Stores a peer's candidates, punch token and (for controllers) session key
// @Tags         rendezvous
// @Accept       json
// @Produce      json
// @Param        offer body types.Offer true "Peer offer"
// @Success      200  {object}  types.Offer
// @Failure      400  {string}  string "invalid offer"
// @Failure      500  {string}  string "failed to register offer"
// @Router       /register [post]
func (h *Handler) RegisterHandler(c *gin.Context) {
	var offer types.Offer
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	if err := offer.Validate(); err != nil {
		c.String(http.StatusBadRequest, "invalid offer: %s", err.Error())
		return
	}

	if offer.OfferID == "" {
		offer.OfferID = uuid.NewString()
	}

	if err := h.store.Register(offer); err != nil {
		c.String(http.StatusInternalServerError, "failed to register offer")
		return
	}

	c.JSON(http.StatusOK, offer)
}

// LookupHandler godoc
// @Summary      Look up an offer
// @Description  Fetch a peer's offer by its id
// @Tags         rendezvous
// @Produce      json
// @Param        peer_id path string true "Peer ID"
// @Success      200 {object} types.Offer
// @Failure      404 {string} string "peer not found"
// @Router       /peer/{peer_id} [get]
func (h *Handler) LookupHandler(c *gin.Context) {
	peerID := c.Param("peer_id")

	offer, ok := h.store.Lookup(peerID)
	if !ok {
		c.String(http.StatusNotFound, "peer not found")
		return
	}

	c.JSON(http.StatusOK, offer)
}

// SubscribeHandler godoc
// @Summary      Wait for an offer
// @Description  Upgrades to a websocket and pushes the peer's offer the moment it registers
// @Tags         rendezvous
// @Param        peer_id path string true "Peer ID"
// @Router       /subscribe/{peer_id} [get]
func (h *Handler) SubscribeHandler(c *gin.Context) {
	peerID := c.Param("peer_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	select {
	case offer, ok := <-h.store.Watch(peerID):
		if !ok {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		conn.WriteJSON(offer)
	case <-time.After(subscribeTimeout):
	case <-c.Request.Context().Done():
	}
}

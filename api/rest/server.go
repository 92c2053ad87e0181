// Package rest is the HTTP gateway. Every mutating endpoint translates its
// request into exactly one command and publishes it to the inbox topic; the
// matching core only ever sees commands, never HTTP.
package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fenrir/domain/book"
	"fenrir/domain/match"
	"fenrir/service"
)

// CommandPublisher delivers one serialized command to the inbox topic,
// keyed by instrument.
type CommandPublisher interface {
	Send(ctx context.Context, key, value []byte) error
}

// Engine is the read side: depth queries and stream health, both served by
// the dispatcher.
type Engine interface {
	Depth(ctx context.Context, instrument string, maxLevels int) (*book.Depth, error)
	Instruments() []string
	Halted(instrument string) error
}

// DepthReader is the optional cache consulted before falling back to the
// engine.
type DepthReader interface {
	GetDepth(ctx context.Context, instrument string) (*book.Depth, error)
}

type Server struct {
	publisher CommandPublisher
	engine    Engine
	cache     DepthReader
	logger    *zap.Logger
	router    *gin.Engine
}

func NewServer(publisher CommandPublisher, engine Engine, cache DepthReader, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		publisher: publisher,
		engine:    engine,
		cache:     cache,
		logger:    logger,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery())

	s.router.POST("/orders", s.placeOrder)
	s.router.POST("/orders/cancel", s.cancelOrder)
	s.router.POST("/orders/reduce", s.reduceOrder)
	s.router.GET("/instruments/:instrument/book", s.bookDepth)
	s.router.GET("/healthz", s.health)
	return s
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MountStream serves the market-data websocket endpoint.
func (s *Server) MountStream(h http.Handler) {
	s.router.GET("/stream", gin.WrapH(h))
}

type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Instrument    string `json:"instrument" binding:"required"`
	Side          string `json:"side" binding:"required,oneof=buy sell"`
	Price         int64  `json:"price" binding:"required,gt=0"`
	Quantity      int64  `json:"quantity" binding:"required,gt=0"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	side := book.Buy
	if req.Side == "sell" {
		side = book.Sell
	}
	cmd := match.Command{
		Kind:          match.CmdPlaceOrder,
		ClientOrderID: clientID(req.ClientOrderID),
		Instrument:    req.Instrument,
		Side:          side,
		Price:         req.Price,
		Quantity:      req.Quantity,
	}
	s.publish(c, cmd)
}

type cancelOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Instrument    string `json:"instrument" binding:"required"`
	OrderID       uint64 `json:"order_id" binding:"required"`
}

func (s *Server) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.publish(c, match.Command{
		Kind:          match.CmdCancelOrder,
		ClientOrderID: clientID(req.ClientOrderID),
		Instrument:    req.Instrument,
		OrderID:       req.OrderID,
	})
}

type reduceOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Instrument    string `json:"instrument" binding:"required"`
	OrderID       uint64 `json:"order_id" binding:"required"`
	NewQuantity   int64  `json:"new_quantity" binding:"required,gt=0"`
}

func (s *Server) reduceOrder(c *gin.Context) {
	var req reduceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.publish(c, match.Command{
		Kind:          match.CmdReduceOrder,
		ClientOrderID: clientID(req.ClientOrderID),
		Instrument:    req.Instrument,
		OrderID:       req.OrderID,
		NewQuantity:   req.NewQuantity,
	})
}

func (s *Server) publish(c *gin.Context, cmd match.Command) {
	payload, err := marshalCommand(cmd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.publisher.Send(c.Request.Context(), []byte(cmd.Instrument), payload); err != nil {
		s.logger.Error("command publish failed",
			zap.String("instrument", cmd.Instrument),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command transport unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"client_order_id": cmd.ClientOrderID})
}

func (s *Server) bookDepth(c *gin.Context) {
	instrument := c.Param("instrument")
	levels, _ := strconv.Atoi(c.DefaultQuery("levels", "0"))

	if s.cache != nil {
		if d, err := s.cache.GetDepth(c.Request.Context(), instrument); err == nil && d != nil {
			c.JSON(http.StatusOK, d)
			return
		}
	}

	d, err := s.engine.Depth(c.Request.Context(), instrument, levels)
	if err != nil {
		if errors.Is(err, service.ErrUnknownInstrument) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	streams := gin.H{}
	for _, instrument := range s.engine.Instruments() {
		if err := s.engine.Halted(instrument); err != nil {
			streams[instrument] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			streams[instrument] = "ok"
		}
	}
	c.JSON(status, gin.H{"streams": streams})
}

func clientID(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return uuid.NewString()
}

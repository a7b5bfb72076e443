package http_api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pfennig/pfennig/internal/exchange"
	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/internal/treasury"
	"github.com/pfennig/pfennig/pkg/validation"
)

// CreateInvoiceRequest represents the JSON body for invoice creation
type CreateInvoiceRequest struct {
	Price           int64  `json:"price" binding:"required"` // smallest fiat unit, or satoshi for BTC
	Currency        string `json:"currency" binding:"required"`
	OrderID         string `json:"orderId"`
	Description     string `json:"description"`
	Label           string `json:"label"`
	NotificationURL string `json:"notificationUrl" binding:"omitempty,url"`
}

// CreateAddressRequest represents the JSON body for registering a watched address
type CreateAddressRequest struct {
	Address         string `json:"address" binding:"required"`
	NotificationURL string `json:"notificationUrl" binding:"required,url"`
	Label           string `json:"label"`
}

// PriceResponse is a satoshi amount expressed in fiat
type PriceResponse struct {
	Satoshi  int64  `json:"satoshi"`
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

// ping reports liveness and the current chain height.
func (s *HTTPServer) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"chainHeight": s.treasury.ChainHeight(),
	})
}

// createInvoice is a handler for POST /api/invoices.
func (s *HTTPServer) createInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}

	invoice := &models.Invoice{
		Price:           req.Price,
		Currency:        req.Currency,
		OrderID:         req.OrderID,
		Description:     req.Description,
		Label:           req.Label,
		NotificationURL: req.NotificationURL,
	}
	if err := s.treasury.CreateInvoice(c.Request.Context(), invoice); err != nil {
		s.respondError(c, err, "Failed to create invoice")
		return
	}

	snapshot, err := s.treasury.InvoiceSnapshot(invoice)
	if err != nil {
		s.respondError(c, err, "Failed to load invoice")
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// getInvoice is a handler for GET /api/invoices/:identifier.
func (s *HTTPServer) getInvoice(c *gin.Context) {
	invoice, err := s.treasury.GetInvoice(c.Param("identifier"))
	s.renderInvoice(c, invoice, err)
}

// getInvoiceByOrderID is a handler for GET /api/invoices/order/:order_id.
func (s *HTTPServer) getInvoiceByOrderID(c *gin.Context) {
	invoice, err := s.treasury.GetInvoiceByOrderID(c.Param("order_id"))
	s.renderInvoice(c, invoice, err)
}

func (s *HTTPServer) renderInvoice(c *gin.Context, invoice *models.Invoice, err error) {
	if err != nil {
		s.respondError(c, err, "Failed to get invoice")
		return
	}
	if invoice == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Invoice not found"})
		return
	}

	snapshot, err := s.treasury.InvoiceSnapshot(invoice)
	if err != nil {
		s.respondError(c, err, "Failed to load invoice")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// createAddress is a handler for POST /api/addresses.
func (s *HTTPServer) createAddress(c *gin.Context) {
	var req CreateAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}

	address := &models.WatchingAddress{
		AddressHash:     req.Address,
		NotificationURL: req.NotificationURL,
		Label:           req.Label,
	}
	if err := s.treasury.CreateWatchingAddress(c.Request.Context(), address); err != nil {
		s.respondError(c, err, "Failed to watch address")
		return
	}

	snapshot, err := s.treasury.WatchingAddressSnapshot(address)
	if err != nil {
		s.respondError(c, err, "Failed to load address")
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// getAddress is a handler for GET /api/addresses/:identifier.
func (s *HTTPServer) getAddress(c *gin.Context) {
	address, err := s.treasury.GetWatchingAddress(c.Param("identifier"))
	if err != nil {
		s.respondError(c, err, "Failed to get address")
		return
	}
	if address == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Address not found"})
		return
	}

	snapshot, err := s.treasury.WatchingAddressSnapshot(address)
	if err != nil {
		s.respondError(c, err, "Failed to load address")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// price is a handler for GET /api/price.
// It converts the satoshi query parameter, one bitcoin by default, into the
// requested currency.
func (s *HTTPServer) price(c *gin.Context) {
	// an empty or unsupported currency resolves to the default one
	currency := c.Query("currency")
	satoshi, err := strconv.ParseInt(c.DefaultQuery("satoshi", "100000000"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "satoshi must be an integer"})
		return
	}

	price, err := s.treasury.Price(currency, satoshi)
	if err != nil {
		s.respondError(c, err, "Failed to get price")
		return
	}
	c.JSON(http.StatusOK, PriceResponse{
		Satoshi:  price.Satoshi,
		Currency: price.Currency,
		Value:    price.Value.String(),
	})
}

// respondError maps domain errors to status codes. Unknown errors are logged
// and reported with the generic message only.
func (s *HTTPServer) respondError(c *gin.Context, err error, message string) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr), errors.Is(err, validation.ErrInvalidAddress):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, treasury.ErrAddressInUse):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, exchange.ErrRateUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
	default:
		s.logger.Error(message, "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": message})
	}
}

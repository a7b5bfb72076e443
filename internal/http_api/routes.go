package http_api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/", s.ping)

	api := s.router.Group("/api")
	api.POST("/invoices", s.createInvoice)
	api.GET("/invoices/:identifier", s.getInvoice)
	api.GET("/invoices/order/:order_id", s.getInvoiceByOrderID)
	api.POST("/addresses", s.createAddress)
	api.GET("/addresses/:identifier", s.getAddress)
	api.GET("/price", s.price)
}

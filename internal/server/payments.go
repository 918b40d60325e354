package server

import (
	"net/http"
	"strconv"
	"strings"

	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/pkg/db/pagination"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createPaymentIntentRequest struct {
	UserID        *string `json:"user_id,omitempty"`
	Purpose       string  `json:"purpose" binding:"required"`
	Amount        int64   `json:"amount" binding:"required"`
	SupportAmount int64   `json:"support_amount"`
	Provider      string  `json:"provider" binding:"required"`
	BirdID        *string `json:"bird_id,omitempty"`
	BuyerContact  string  `json:"buyer_contact,omitempty"`
}

func (s *Server) CreatePaymentIntent(c *gin.Context) {
	var req createPaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	userID, ok := parseOptionalUUID(req.UserID)
	if !ok {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}
	birdID, ok := parseOptionalUUID(req.BirdID)
	if !ok {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	resp, err := s.paymentSvc.CreateIntent(c.Request.Context(), paymentdomain.CreateIntentRequest{
		UserID:        userID,
		Purpose:       paymentdomain.Purpose(req.Purpose),
		Amount:        req.Amount,
		SupportAmount: req.SupportAmount,
		Provider:      paymentdomain.Provider(req.Provider),
		BirdID:        birdID,
		BuyerContact:  req.BuyerContact,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

type submitReferenceRequest struct {
	Reference string `json:"reference" binding:"required"`
}

func (s *Server) SubmitPaymentReference(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	var req submitReferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	payment, err := s.paymentSvc.SubmitReference(c.Request.Context(), paymentID, req.Reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

type claimPaymentRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) ClaimPayment(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	var req claimPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	payment, err := s.paymentSvc.Claim(c.Request.Context(), paymentID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidArgument)
		return
	}

	payment, err := s.paymentSvc.GetByID(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func (s *Server) ListPayments(c *gin.Context) {
	req := paymentdomain.ListPaymentsRequest{
		Status:   paymentdomain.Status(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Provider: paymentdomain.Provider(strings.TrimSpace(c.Query("provider"))),
		Pagination: pagination.Pagination{
			PageToken: c.Query("page_token"),
			PageSize:  queryInt(c, "page_size", 25),
		},
	}
	if userID, ok := parseOptionalUUID(queryPtr(c, "user_id")); ok {
		req.UserID = userID
	}
	if birdID, ok := parseOptionalUUID(queryPtr(c, "bird_id")); ok {
		req.BirdID = birdID
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RunReconciliation(c *gin.Context) {
	report, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func parseOptionalUUID(raw *string) (*uuid.UUID, bool) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, true
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		return nil, false
	}
	return &id, true
}

func queryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

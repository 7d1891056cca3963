package api

import (
	"errors"
	"net/http"

	"clinical-platform/internal/billing"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/gin-gonic/gin"
)

func (s *Server) register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	session, err := s.accounts.Register(c.Request.Context(), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	session, err := s.accounts.Login(c.Request.Context(), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) checkReferral(c *gin.Context) {
	info, err := s.accounts.CheckReferralCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) profile(c *gin.Context) {
	account, err := s.accounts.Get(c.Request.Context(), currentAccount(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": account})
}

// Подписки

func (s *Server) plans(c *gin.Context) {
	plans, err := s.billing.Plans(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) createSubscription(c *gin.Context) {
	var req billing.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.billing.Create(c.Request.Context(), currentAccount(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) subscriptionStatus(c *gin.Context) {
	sub, err := s.billing.Current(c.Request.Context(), currentAccount(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"subscription": nil, "message": "подписка не найдена"})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

type cancelSubscriptionRequest struct {
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end"`
}

func (s *Server) cancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	atPeriodEnd := req.CancelAtPeriodEnd == nil || *req.CancelAtPeriodEnd

	sub, err := s.billing.Cancel(c.Request.Context(), currentAccount(c), atPeriodEnd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

type paymentIntentRequest struct {
	PlanID int64 `json:"plan_id" binding:"required"`
}

func (s *Server) paymentIntent(c *gin.Context) {
	var req paymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.billing.CreatePaymentIntent(c.Request.Context(), currentAccount(c), req.PlanID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Партнерский кабинет

func (s *Server) affiliateStats(c *gin.Context) {
	stats, err := s.affiliates.Stats(c.Request.Context(), currentAccount(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) dashboard(c *gin.Context) {
	d, err := s.affiliates.Dashboard(c.Request.Context(), currentAccount(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) listCommissions(c *gin.Context) {
	filter := models.CommissionFilter{
		Status:   models.CommissionStatus(c.Query("status")),
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "page_size"),
	}
	page, err := s.affiliates.ListCommissions(c.Request.Context(), currentAccount(c), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) listReferrals(c *gin.Context) {
	referrals, err := s.affiliates.ListReferrals(c.Request.Context(), currentAccount(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": referrals})
}

func (s *Server) referralLink(c *gin.Context) {
	code, link, err := s.affiliates.ReferralLink(c.Request.Context(), currentAccount(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral_code": code, "referral_link": link})
}

func (s *Server) listPayouts(c *gin.Context) {
	payouts, err := s.payouts.List(c.Request.Context(), currentAccount(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

func (s *Server) requestPayout(c *gin.Context) {
	var req models.PayoutCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.payouts.Request(c.Request.Context(), currentAccount(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Администрирование

type commissionIDsRequest struct {
	CommissionIDs []int64 `json:"commission_ids"`
	Reason        string  `json:"reason"`
}

func (s *Server) markPaid(c *gin.Context) {
	var req commissionIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	affiliates, err := s.affiliates.MarkPaid(c.Request.Context(), req.CommissionIDs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affiliates_updated": affiliates})
}

func (s *Server) cancelCommissions(c *gin.Context) {
	var req commissionIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	affiliates, err := s.affiliates.Cancel(c.Request.Context(), req.CommissionIDs, req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affiliates_updated": affiliates})
}

func (s *Server) manualCommission(c *gin.Context) {
	var req models.ManualCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	commission, err := s.commissions.CreateManual(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commission)
}

type resolvePayoutRequest struct {
	Reason string `json:"rejection_reason"`
	Notes  string `json:"admin_notes"`
}

func (s *Server) approvePayout(c *gin.Context) {
	s.resolvePayout(c, true)
}

func (s *Server) rejectPayout(c *gin.Context) {
	s.resolvePayout(c, false)
}

func (s *Server) resolvePayout(c *gin.Context, approve bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req resolvePayoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	var (
		p   *models.PayoutRequest
		err error
	)
	if approve {
		p, err = s.payouts.Complete(c.Request.Context(), id, req.Notes)
	} else {
		p, err = s.payouts.Reject(c.Request.Context(), id, req.Reason, req.Notes)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) recompute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	stats, err := s.affiliates.Recompute(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

package marketplace

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Handler exposes the coordinator over HTTP. Routes expect user_id to be
// set by the JWT middleware.
type Handler struct {
	coord *Coordinator
	log   logrus.FieldLogger
}

func NewHandler(coord *Coordinator, log logrus.FieldLogger) *Handler {
	return &Handler{coord: coord, log: log}
}

type submitRatingsRequest struct {
	Ratings map[string]int `json:"ratings"`
}

func currentUser(c echo.Context) (string, bool) {
	uid, ok := c.Get("user_id").(string)
	return uid, ok && uid != ""
}

// CreateJob - POST /jobs
func (h *Handler) CreateJob(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	job, err := h.coord.CreateJob(c.Request().Context(), uid, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

// GetJob - GET /jobs/:id with its applicants
func (h *Handler) GetJob(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ctx := c.Request().Context()
	job, err := h.coord.GetJob(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	applicants, err := h.coord.Applicants(ctx, job.ID)
	if err != nil {
		return h.fail(c, err)
	}
	if applicants == nil {
		applicants = []Applicant{}
	}
	_, applied := findApplicant(applicants, uid)
	return c.JSON(http.StatusOK, echo.Map{
		"job":         job,
		"applicants":  applicants,
		"accepted":    len(acceptedOf(applicants)),
		"has_applied": applied,
	})
}

// Apply - POST /jobs/:id/apply
func (h *Handler) Apply(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	a, err := h.coord.ApplyToJob(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

// Accept - POST /jobs/:id/applicants/:uid/accept (owner)
func (h *Handler) Accept(c echo.Context) error {
	if ok, err := h.requireOwner(c); !ok {
		return err
	}
	res, err := h.coord.AcceptApplicant(c.Request().Context(), c.Param("id"), c.Param("uid"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Reject - POST /jobs/:id/applicants/:uid/reject (owner)
func (h *Handler) Reject(c echo.Context) error {
	if ok, err := h.requireOwner(c); !ok {
		return err
	}
	a, err := h.coord.RejectApplicant(c.Request().Context(), c.Param("id"), c.Param("uid"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// Start - POST /jobs/:id/start
func (h *Handler) Start(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	res, err := h.coord.StartJob(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Finish - POST /jobs/:id/finish
func (h *Handler) Finish(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	res, err := h.coord.FinishJob(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	if res.Ratings == nil {
		res.Ratings = []RatingRecord{}
	}
	return c.JSON(http.StatusOK, res)
}

// Cancel - POST /jobs/:id/cancel
func (h *Handler) Cancel(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	job, err := h.coord.CancelJob(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// RetryPayouts - POST /jobs/:id/payouts/retry
func (h *Handler) RetryPayouts(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	res, err := h.coord.RetryPayouts(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"payouts": res, "failed": len(res.Failed())})
}

// Ratings - GET /jobs/:id/ratings (owner)
func (h *Handler) Ratings(c echo.Context) error {
	if ok, err := h.requireOwner(c); !ok {
		return err
	}
	outstanding, err := h.coord.GetOutstandingRatings(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"outstanding": outstanding,
		"fully_rated": len(outstanding) == 0,
	})
}

// SubmitRatings - POST /jobs/:id/ratings (owner)
func (h *Handler) SubmitRatings(c echo.Context) error {
	if ok, err := h.requireOwner(c); !ok {
		return err
	}
	var req submitRatingsRequest
	if err := c.Bind(&req); err != nil || len(req.Ratings) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload: ratings required"})
	}
	res, err := h.coord.SubmitRatings(c.Request().Context(), c.Param("id"), req.Ratings)
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return c.JSON(http.StatusMultiStatus, echo.Map{"result": res, "error": partial.Error(), "retry": partial.RatingIDs})
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"result": res})
}

// requireOwner reports whether the caller owns the job in :id. When it
// returns false the response has already been written.
func (h *Handler) requireOwner(c echo.Context) (bool, error) {
	uid, ok := currentUser(c)
	if !ok {
		return false, c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	job, err := h.coord.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return false, h.fail(c, err)
	}
	if job.OwnerID != uid {
		return false, c.JSON(http.StatusForbidden, echo.Map{"error": "only the job owner can do this"})
	}
	return true, nil
}

// fail maps err onto a status code and body.
func (h *Handler) fail(c echo.Context, err error) error {
	switch KindOf(err) {
	case KindValidation:
		return c.JSON(validationStatus(err), echo.Map{"error": err.Error()})
	case KindResource:
		body := echo.Map{"error": err.Error()}
		var funds *InsufficientFundsError
		if errors.As(err, &funds) {
			body["required"] = funds.Required
			body["available"] = funds.Available
			body["shortfall"] = funds.Shortfall()
		}
		return c.JSON(http.StatusPaymentRequired, body)
	case KindTransient:
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": err.Error(), "retry": true})
	case KindPartialBatch:
		return c.JSON(http.StatusMultiStatus, echo.Map{"error": err.Error()})
	}
	h.log.WithField("path", c.Path()).WithError(err).Error("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

func validationStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyApplied),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrWrongState),
		errors.Is(err, ErrJobClosed):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

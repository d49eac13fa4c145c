package handler

import (
	"errors"
	"io"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/tccmarket/api/internal/middleware"
	"github.com/tccmarket/api/internal/model"
	"github.com/tccmarket/api/internal/service"
	"github.com/tccmarket/api/internal/tryon"
	"github.com/tccmarket/api/pkg/response"
)

type TryOnHandler struct {
	service        *service.TryOnService
	pipeline       *tryon.Pipeline
	validator      *validator.Validate
	maxUploadBytes int64
}

func NewTryOnHandler(svc *service.TryOnService, pipeline *tryon.Pipeline, v *validator.Validate, maxUploadBytes int64) *TryOnHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = tryon.DefaultMaxUploadBytes
	}
	return &TryOnHandler{
		service:        svc,
		pipeline:       pipeline,
		validator:      v,
		maxUploadBytes: maxUploadBytes,
	}
}

// Start handles POST /api/tryon/start
// @Summary      Start try-on job
// @Description  Queue a garment photo for asynchronous try-on rendering
// @Tags         TryOn
// @Accept       multipart/form-data
// @Produce      json
// @Param        image     formData file   true  "Garment photo (JPEG, PNG, WebP; max 5MB)"
// @Param        productId formData int    false "Product to attach the result to"
// @Param        category  formData string false "Reference subject: female (default) or male"
// @Success      202 {object} model.TryOnStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/tryon/start [post]
func (h *TryOnHandler) Start(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return uploadError(c, err)
	}

	result, err := h.service.StartTryOn(c.UserContext(), req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Process handles POST /api/tryon
// @Summary      Run try-on synchronously
// @Description  Run the full pipeline and return once the image is stored and attached
// @Tags         TryOn
// @Accept       multipart/form-data
// @Produce      json
// @Param        image     formData file   true  "Garment photo"
// @Param        productId formData int    false "Product to attach the result to"
// @Param        category  formData string false "Reference subject"
// @Success      201 {object} model.TryOnResult
// @Failure      400 {object} response.ErrorResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Failure      504 {object} response.ErrorResponse
// @Router       /api/tryon [post]
func (h *TryOnHandler) Process(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return uploadError(c, err)
	}

	result, err := h.pipeline.ProcessBounded(c.UserContext(), *req, tryon.Hooks{})
	if err != nil {
		return pipelineError(c, err)
	}

	return response.Created(c, result)
}

// Status handles GET /api/tryon/status/:jobId
// @Summary      Get try-on job status
// @Tags         TryOn
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.TryOnStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/tryon/status/{jobId} [get]
func (h *TryOnHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		return jobError(c, err)
	}

	return response.OK(c, result)
}

// Result handles GET /api/tryon/result/:jobId
// @Summary      Get try-on job result
// @Tags         TryOn
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.TryOnResult
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/tryon/result/{jobId} [get]
func (h *TryOnHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), jobID)
	if err != nil {
		return jobError(c, err)
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/tryon/cancel/:jobId
// @Summary      Cancel try-on job
// @Tags         TryOn
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.TryOnCancelResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Router       /api/tryon/cancel/{jobId} [post]
func (h *TryOnHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.CancelTryOn(c.UserContext(), jobID)
	if err != nil {
		return jobError(c, err)
	}

	return response.OK(c, result)
}

// Attach handles POST /api/tryon/attach
// @Summary      Attach a stored image to a product
// @Description  Finish a run whose attachment step failed, using the storage key from its error
// @Tags         TryOn
// @Accept       json
// @Produce      json
// @Param        request body model.AttachRequest true "Attach request"
// @Success      201 {object} model.AttachResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/tryon/attach [post]
func (h *TryOnHandler) Attach(c *fiber.Ctx) error {
	var req model.AttachRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	img, err := h.pipeline.Attach(c.UserContext(), req.ProductID, req.StorageKey)
	if err != nil {
		return pipelineError(c, err)
	}

	return response.Created(c, model.AttachResponse{
		Image:     img,
		PublicURL: h.pipeline.URLFor(img.StorageKey),
	})
}

// Credits handles GET /api/tryon/credits
// @Summary      Remote credit balance
// @Tags         TryOn
// @Produce      json
// @Success      200 {object} model.CreditBalance
// @Failure      502 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Router       /api/tryon/credits [get]
func (h *TryOnHandler) Credits(c *fiber.Ctx) error {
	balance, err := h.pipeline.Credits(c.UserContext())
	if err != nil {
		return pipelineError(c, err)
	}
	return response.OK(c, balance)
}

// requestError is a malformed upload, rendered as a 400
type requestError struct {
	message string
	details interface{}
}

func (e *requestError) Error() string { return e.message }

// parseRequest reads the multipart form shared by Start and Process
func (h *TryOnHandler) parseRequest(c *fiber.Ctx) (*model.TryOnRequest, error) {
	file, err := c.FormFile("image")
	if err != nil {
		return nil, &requestError{message: "image is required"}
	}

	if file.Size > h.maxUploadBytes {
		return nil, &requestError{message: "Image exceeds upload limit", details: map[string]interface{}{
			"maxSize":  h.maxUploadBytes,
			"fileSize": file.Size,
		}}
	}

	category, ok := model.ParseSubjectCategory(c.FormValue("category"))
	if !ok {
		return nil, &requestError{message: "Invalid category", details: map[string]interface{}{
			"allowed": model.ValidSubjectCategories,
		}}
	}

	var productID *int64
	if raw := c.FormValue("productId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, &requestError{message: "productId must be a positive integer"}
		}
		productID = &id
	}

	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return &model.TryOnRequest{
		Image:       model.ImagePayload{Data: data, ContentType: file.Header.Get("Content-Type")},
		ProductID:   productID,
		Category:    category,
		RequestedBy: middleware.GetRequester(c),
	}, nil
}

func uploadError(c *fiber.Ctx, err error) error {
	var re *requestError
	if errors.As(err, &re) {
		return response.ValidationError(c, re.message, re.details)
	}
	return response.ServiceError(c, "Failed to read image")
}

func jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobNotCompleted):
		return response.ValidationError(c, "Job not completed yet", nil)
	case errors.Is(err, service.ErrJobFinished):
		return response.Conflict(c, "Job already completed")
	}
	return response.ServiceError(c, err.Error())
}

type pipelineStatus struct {
	status int
	code   string
}

var pipelineStatuses = map[tryon.Kind]pipelineStatus{
	tryon.KindAuth:                {fiber.StatusBadGateway, response.CodeUpstreamAuth},
	tryon.KindInsufficientCredits: {fiber.StatusPaymentRequired, response.CodeInsufficientCredits},
	tryon.KindSubmissionRejected:  {fiber.StatusUnprocessableEntity, response.CodeSubmissionRejected},
	tryon.KindServiceUnavailable:  {fiber.StatusServiceUnavailable, response.CodeUpstreamUnavailable},
	tryon.KindJobFailed:           {fiber.StatusUnprocessableEntity, response.CodeJobFailed},
	tryon.KindTimeout:             {fiber.StatusGatewayTimeout, response.CodeTimeout},
	tryon.KindUnknown:             {fiber.StatusBadGateway, response.CodeUnknownOutcome},
	tryon.KindCancelled:           {fiber.StatusConflict, response.CodeCancelled},
	tryon.KindDownload:            {fiber.StatusBadGateway, response.CodeDownloadFailed},
	tryon.KindStorageWrite:        {fiber.StatusServiceUnavailable, response.CodeStorageError},
	tryon.KindProductNotFound:     {fiber.StatusNotFound, response.CodeNotFound},
	tryon.KindKeyAttached:         {fiber.StatusConflict, response.CodeConflict},
}

// pipelineError renders a typed pipeline failure. The details carry the
// stage, retryability and any partial progress the caller can resume from.
func pipelineError(c *fiber.Ctx, err error) error {
	e, ok := tryon.AsError(err)
	if !ok {
		return response.ServiceError(c, err.Error())
	}
	st, ok := pipelineStatuses[e.Kind]
	if !ok {
		st = pipelineStatus{fiber.StatusInternalServerError, response.CodeServiceError}
	}
	return response.Error(c, st.status, st.code, e.Error(), e.ToJobError())
}

package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/station-telemetry/internal/archive"
	"github.com/i474232898/station-telemetry/internal/telemetry"
)

var validate = validator.New()

// IndexReader exposes the archive index.
type IndexReader interface {
	ReadIndex() (*archive.Index, error)
	BuildIndex() (*archive.Index, error)
}

// Options configures the routes.
type Options struct {
	// Archive may be nil when no archive is configured.
	Archive IndexReader
	// MaxInactivity is the default liveness threshold.
	MaxInactivity time.Duration
}

type handler struct {
	service *telemetry.Service
	archive IndexReader
	maxIdle time.Duration
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *telemetry.Service, opts Options) {
	if opts.MaxInactivity <= 0 {
		opts.MaxInactivity = 30 * time.Minute
	}
	h := &handler{service: service, archive: opts.Archive, maxIdle: opts.MaxInactivity}

	v1 := app.Group("/api/v1")

	v1.Get("/stations", h.listStations)
	v1.Get("/stations/:id", h.getStation)
	v1.Get("/stations/:id/data", h.getData)
	v1.Get("/stations/:id/latest", h.getLatest)
	v1.Get("/stations/:id/channel", h.getChannel)
	v1.Get("/stations/:id/status", h.getStatus)
	v1.Get("/status", h.allStatuses)
	v1.Get("/archive/index", h.archiveIndex)
	v1.Delete("/cache", h.clearCache)
}

// ErrorHandler renders errors as JSON, mapping telemetry failures to
// HTTP status codes.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := StatusFor(err)
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var (
		fe      *fiber.Error
		remote  *telemetry.RemoteFetchError
		network *telemetry.NetworkError
		empty   *telemetry.NoEntriesError
		tooBig  *telemetry.RangeTooLargeError
		invalid validator.ValidationErrors
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case telemetry.IsUnknownStation(err), errors.As(err, &empty):
		return fiber.StatusNotFound
	case errors.As(err, &tooBig), errors.As(err, &invalid):
		return fiber.StatusBadRequest
	case errors.As(err, &remote):
		return fiber.StatusBadGateway
	case errors.As(err, &network), errors.Is(err, telemetry.ErrNoSource):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *handler) listStations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stations": h.service.Stations(),
		"demoMode": h.service.DemoMode(),
	})
}

func (h *handler) getStation(c *fiber.Ctx) error {
	st, err := h.service.Station(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// dataResponse is a snapshot with an explicit empty marker.
type dataResponse struct {
	*telemetry.StationSnapshot
	Empty bool `json:"empty"`
}

func (h *handler) getData(c *fiber.Ctx) error {
	var req dataQuery
	if err := req.bind(c); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	snap, err := h.service.GetStationData(c.UserContext(), telemetry.Query{
		StationID: c.Params("id"),
		Start:     req.Start,
		End:       req.End,
		Demo:      req.Demo,
	})
	if err != nil {
		return err
	}

	return c.JSON(dataResponse{StationSnapshot: snap, Empty: snap.IsEmpty()})
}

func (h *handler) getLatest(c *fiber.Ctx) error {
	entry, err := h.service.LatestEntry(c.UserContext(), c.Params("id"), c.QueryBool("demo"))
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

func (h *handler) getChannel(c *fiber.Ctx) error {
	info, err := h.service.ChannelMetadata(c.UserContext(), c.Params("id"), c.QueryBool("demo"))
	if err != nil {
		return err
	}
	return c.JSON(info)
}

func (h *handler) getStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.service.Station(id); err != nil {
		return err
	}

	maxIdle, err := h.maxInactivity(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(h.service.StationStatus(c.UserContext(), id, maxIdle, c.QueryBool("demo")))
}

func (h *handler) allStatuses(c *fiber.Ctx) error {
	maxIdle, err := h.maxInactivity(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{
		"stations": h.service.AllStatuses(c.UserContext(), maxIdle, c.QueryBool("demo")),
	})
}

func (h *handler) archiveIndex(c *fiber.Ctx) error {
	if h.archive == nil {
		return fiber.NewError(fiber.StatusNotFound, "archive is not configured")
	}

	index, err := h.archive.ReadIndex()
	if errors.Is(err, archive.ErrNotFound) {
		index, err = h.archive.BuildIndex()
	}
	if err != nil {
		return err
	}
	return c.JSON(index)
}

func (h *handler) clearCache(c *fiber.Ctx) error {
	h.service.ClearCache()
	return c.JSON(fiber.Map{"cleared": true})
}

// maxInactivity reads ?maxInactivity= as a duration ("45m") or minutes ("45").
func (h *handler) maxInactivity(c *fiber.Ctx) (time.Duration, error) {
	v := c.Query("maxInactivity")
	if v == "" {
		return h.maxIdle, nil
	}
	if minutes, err := strconv.Atoi(v); err == nil && minutes > 0 {
		return time.Duration(minutes) * time.Minute, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, nil
	}
	return 0, errors.New("invalid maxInactivity; use minutes or a duration like 45m")
}

// dataQuery holds query parameters for the data endpoint.
type dataQuery struct {
	Start *time.Time
	End   *time.Time
	Demo  bool
}

// rangeQuery validates an explicit date range.
type rangeQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (q *dataQuery) bind(c *fiber.Ctx) error {
	q.Demo = c.QueryBool("demo")

	if s := c.Query("start"); s != "" {
		start, err := parseTime(s)
		if err != nil {
			return err
		}
		q.Start = &start
	}
	if s := c.Query("end"); s != "" {
		end, err := parseTime(s)
		if err != nil {
			return err
		}
		q.End = &end
	}

	if q.Start != nil && q.End != nil {
		if err := validate.Struct(rangeQuery{From: *q.Start, To: *q.End}); err != nil {
			return errors.New("end must not be before start")
		}
	}
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}

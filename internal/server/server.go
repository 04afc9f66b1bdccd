package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/engine/auth"
	"fleetwatch/internal/export"
	"fleetwatch/internal/reconcile"
	"fleetwatch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Reconciler backs the sync routes and health's last_sync_time. Optional.
	Reconciler  *reconcile.Reconciler
	BasePath    string
	Auth        AuthConfig
	CORSOrigins []string
	Location    *time.Location
	Logger      logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"EQ-42 is Down, launch requires Ready or Standby"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"archive.launch\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type routes struct {
	engine engine.Engine
	rec    *reconcile.Reconciler
	loc    *time.Location
	logger logrus.FieldLogger
}

func (a routes) now() time.Time {
	if a.engine.Now != nil {
		return a.engine.Now().UTC()
	}
	return time.Now().UTC()
}

// New returns an HTTP handler exposing the fleetwatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	loc := cfg.Location
	if loc == nil && cfg.Engine.Config != nil {
		loc = cfg.Engine.Config.Location()
	}
	if loc == nil {
		loc = time.UTC
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(accessLog(logger))
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fleetwatch API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := routes{engine: cfg.Engine, rec: cfg.Reconciler, loc: loc, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerEquipment(group, a)
	registerArchive(group, a)
	registerSync(group, a)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func accessLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			entry := logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"duration": time.Since(start).String(),
			})
			if sw.status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, reconcile.ErrCycleInProgress):
		return newAPIError(http.StatusConflict, "sync_in_progress", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fleetwatch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate writes with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := HealthResponse{Status: "ok"}
		if a.rec != nil {
			out.LastSyncTime = a.rec.State.LastSyncTime()
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: out}, nil
	})
}

type equipmentPath struct {
	ID string `path:"id"`
}

func registerEquipment(api huma.API, a routes) {
	e := a.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-equipment",
		Method:      http.MethodGet,
		Path:        "/equipment",
		Summary:     "List active equipment",
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		Section       string `query:"section"`
		EquipmentType string `query:"equipment_type"`
	}) (*struct {
		Body []EquipmentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListActive(ctx, nil, repo.EquipmentFilters{
			Status:        input.Status,
			Section:       input.Section,
			EquipmentType: input.EquipmentType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EquipmentResponse `json:"body"`
		}{Body: mapEquipment(items, a.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "equipment-stats",
		Method:      http.MethodGet,
		Path:        "/equipment/stats",
		Summary:     "Active equipment counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EquipmentStatsResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountActiveByStatus(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquipmentStatsResponse `json:"body"`
		}{Body: statsResponse(counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-equipment",
		Method:      http.MethodGet,
		Path:        "/equipment/{id}",
		Summary:     "Get active equipment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *equipmentPath) (*struct {
		Body EquipmentResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.GetActive(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquipmentResponse `json:"body"`
		}{Body: equipmentResponse(rec, a.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "equipment-history",
		Method:      http.MethodGet,
		Path:        "/equipment/{id}/history",
		Summary:     "Equipment history, newest first",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListHistory(ctx, nil, input.ID, engine.HistoryLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.HistoryEntry{}
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-equipment",
		Method:        http.MethodPost,
		Path:          "/equipment",
		Summary:       "Create equipment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEquipmentRequest `json:"body"`
	}) (*struct {
		Body EquipmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requirePermission(ctx, auth.PermEquipmentCreate)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		rec, err := e.CreateEquipment(ctx, p.Actor(), engine.CreateOptions{
			ID:            b.ID,
			EquipmentType: b.EquipmentType,
			Model:         b.Model,
			Section:       b.Section,
			Status:        b.Status,
			Malfunction:   b.Malfunction,
			MechanicName:  b.MechanicName,
			PlannedStart:  b.PlannedStart,
			PlannedEnd:    b.PlannedEnd,
			ActualStart:   b.ActualStart,
			ActualEnd:     b.ActualEnd,
			PlannedHours:  b.PlannedHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquipmentResponse `json:"body"`
		}{Body: equipmentResponse(rec, a.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-equipment",
		Method:      http.MethodPut,
		Path:        "/equipment/{id}",
		Summary:     "Update equipment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateEquipmentRequest `json:"body"`
	}) (*struct {
		Body EquipmentResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, auth.PermEquipmentUpdate)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		rec, err := e.UpdateEquipment(ctx, p.Actor(), input.ID, engine.UpdateOptions{
			EquipmentType: b.EquipmentType,
			Model:         b.Model,
			Section:       b.Section,
			Status:        b.Status,
			Malfunction:   b.Malfunction,
			MechanicName:  b.MechanicName,
			PlannedStart:  b.PlannedStart,
			PlannedEnd:    b.PlannedEnd,
			ActualStart:   b.ActualStart,
			ActualEnd:     b.ActualEnd,
			PlannedHours:  b.PlannedHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquipmentResponse `json:"body"`
		}{Body: equipmentResponse(rec, a.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-equipment",
		Method:        http.MethodDelete,
		Path:          "/equipment/{id}",
		Summary:       "Delete equipment from the mirror",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *equipmentPath) (*struct{}, error) {
		p, authErr := requirePermission(ctx, auth.PermEquipmentDelete)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEquipment(ctx, p.Actor(), input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-manual-flag",
		Method:      http.MethodPost,
		Path:        "/equipment/{id}/clear-manual",
		Summary:     "Return a row to sync control",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *equipmentPath) (*struct {
		Body EquipmentResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, auth.PermEquipmentClearManual)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.ClearManualFlag(ctx, p.Actor(), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquipmentResponse `json:"body"`
		}{Body: equipmentResponse(rec, a.now())}, nil
	})
}

type archiveQuery struct {
	Page          int    `query:"page" minimum:"0"`
	Limit         int    `query:"limit" minimum:"0" maximum:"500"`
	EquipmentID   string `query:"equipment_id"`
	EquipmentType string `query:"equipment_type"`
	Mechanic      string `query:"mechanic"`
	Reason        string `query:"reason"`
	DateFrom      string `query:"date_from" doc:"RFC3339 instant or YYYY-MM-DD in site time"`
	DateTo        string `query:"date_to" doc:"RFC3339 instant or YYYY-MM-DD in site time, exclusive"`
}

func (q archiveQuery) filters(loc *time.Location) (repo.ArchiveFilters, error) {
	from, err := parseDateParam("date_from", q.DateFrom, loc, false)
	if err != nil {
		return repo.ArchiveFilters{}, err
	}
	to, err := parseDateParam("date_to", q.DateTo, loc, true)
	if err != nil {
		return repo.ArchiveFilters{}, err
	}
	return repo.ArchiveFilters{
		Page:          q.Page,
		Limit:         q.Limit,
		EquipmentID:   q.EquipmentID,
		EquipmentType: q.EquipmentType,
		Mechanic:      q.Mechanic,
		Reason:        q.Reason,
		DateFrom:      from,
		DateTo:        to,
	}, nil
}

// parseDateParam accepts an RFC3339 instant or a calendar day. A day used as
// an upper bound covers the whole day.
func parseDateParam(field, v string, loc *time.Location, upper bool) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	day, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return nil, engine.ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q", v)}
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

func registerArchive(api huma.API, a routes) {
	e := a.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-archive",
		Method:      http.MethodGet,
		Path:        "/archive",
		Summary:     "List archive rows, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *archiveQuery) (*struct {
		Body ArchivePageResponse `json:"body"`
	}, error) {
		f, err := input.filters(a.loc)
		if err != nil {
			return nil, handleError(err)
		}
		items, total, err := e.Repo.ListArchive(ctx, nil, f)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ArchiveRecord{}
		}
		page, limit := f.Page, f.Limit
		if page <= 0 {
			page = 1
		}
		if limit <= 0 {
			limit = 50
		}
		return &struct {
			Body ArchivePageResponse `json:"body"`
		}{Body: ArchivePageResponse{Items: items, Total: total, Page: page, Limit: limit}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-stats",
		Method:      http.MethodGet,
		Path:        "/archive/stats",
		Summary:     "Archive counts by reason and equipment type",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DateFrom string `query:"date_from"`
		DateTo   string `query:"date_to"`
	}) (*struct {
		Body ArchiveStatsResponse `json:"body"`
	}, error) {
		f, err := archiveQuery{DateFrom: input.DateFrom, DateTo: input.DateTo}.filters(a.loc)
		if err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Repo.ArchiveStats(ctx, nil, f.DateFrom, f.DateTo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchiveStatsResponse `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-archive",
		Method:      http.MethodGet,
		Path:        "/archive/export",
		Summary:     "Export filtered archive rows as XLSX",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *archiveQuery) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		f, err := input.filters(a.loc)
		if err != nil {
			return nil, handleError(err)
		}
		f.Page, f.Limit = 1, exportLimit
		items, _, err := e.Repo.ListArchive(ctx, nil, f)
		if err != nil {
			return nil, handleError(err)
		}
		var buf bytes.Buffer
		if err := export.WriteArchive(&buf, items, a.loc); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        export.ContentType,
			ContentDisposition: fmt.Sprintf(`attachment; filename="archive-%s.xlsx"`, a.now().In(a.loc).Format("20060102-1504")),
			Body:               buf.Bytes(),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "launch-equipment",
		Method:      http.MethodPost,
		Path:        "/archive/launch/{id}",
		Summary:     "Launch equipment back into service",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *LaunchRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.ArchiveRecord `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, auth.PermArchiveLaunch)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.CompletionReason
		}
		rec, err := e.Launch(ctx, p.Actor(), input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArchiveRecord `json:"body"`
		}{Body: rec}, nil
	})
}

const exportLimit = 10000

func registerSync(api huma.API, a routes) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Reconciliation engine state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reconcile.StateSnapshot `json:"body"`
	}, error) {
		var snap reconcile.StateSnapshot
		if a.rec != nil {
			snap = a.rec.State.Snapshot()
		}
		return &struct {
			Body reconcile.StateSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-runs",
		Method:      http.MethodGet,
		Path:        "/sync/runs",
		Summary:     "Recent sync cycles, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.SyncRun `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		runs, err := a.engine.Repo.ListSyncRuns(ctx, nil, limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.SyncRun{}
		}
		return &struct {
			Body []domain.SyncRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync/run",
		Summary:     "Run a sync cycle now",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SyncRun `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, auth.PermSyncRun)
		if authErr != nil {
			return nil, authErr
		}
		if a.rec == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "sync_disabled", "sync engine not running", nil)
		}
		a.logger.WithField("user_id", p.UserID).Info("manual sync requested")
		run, err := a.rec.RunCycle(ctx)
		if errors.Is(err, reconcile.ErrCycleInProgress) {
			return nil, handleError(err)
		}
		// A failed cycle is still reported through its run record.
		return &struct {
			Body domain.SyncRun `json:"body"`
		}{Body: run}, nil
	})
}

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

	"docline/internal/domain"
	"docline/internal/engine"
	"docline/internal/registry"
	"docline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid state transition: lc -> rfc in draft-iesg"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Docline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Docline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRegistry(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerBallots(group, cfg.Engine)
	registerTelechat(group, cfg.Engine)
	registerLastCalls(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var ce *registry.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrUnknownDocument),
		errors.Is(err, engine.ErrUnknownBallot),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateName):
		return newAPIError(http.StatusConflict, "duplicate_name", err.Error(), nil)
	case errors.Is(err, engine.ErrBallotAlreadyOpen):
		return newAPIError(http.StatusConflict, "ballot_already_open", err.Error(), nil)
	case errors.Is(err, engine.ErrBallotClosed):
		return newAPIError(http.StatusConflict, "ballot_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidPayload):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
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
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Docline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRegistry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-doc-types",
		Method:      http.MethodGet,
		Path:        "/registry/doc-types",
		Summary:     "List document types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: e.Registry.DocTypes()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-doc-type-state-space",
		Method:      http.MethodGet,
		Path:        "/registry/doc-types/{doc_type}",
		Summary:     "State space of a document type",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DocType string `path:"doc_type"`
	}) (*struct {
		Body []StateTypeResponse `json:"body"`
	}, error) {
		stateTypes, err := e.Registry.ApplicableStateTypes(input.DocType)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]StateTypeResponse, 0, len(stateTypes))
		for _, st := range stateTypes {
			states, err := e.Registry.States(st.Key)
			if err != nil {
				return nil, handleError(err)
			}
			resp := StateTypeResponse{Key: st.Key, Label: st.Label}
			for _, s := range states {
				resp.States = append(resp.States, StateResponse{
					Key:        s.Key,
					Name:       s.Name,
					Used:       s.Used,
					NextStates: s.NextStates,
				})
			}
			out = append(out, resp)
		}
		return &struct {
			Body []StateTypeResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Create document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DocumentCreateOptions{
			Name:    input.Body.Name,
			Type:    input.Body.Type,
			Title:   input.Body.Title,
			ActorID: actorID,
		}
		if input.Body.Rev != nil {
			opts.Rev = *input.Body.Rev
		}
		if input.Body.Stream != nil {
			opts.Stream = *input.Body.Stream
		}
		if input.Body.Group != nil {
			opts.Group = *input.Body.Group
		}
		if input.Body.AD != nil {
			opts.AD = *input.Body.AD
		}
		if input.Body.IntendedLevel != nil {
			opts.IntendedLevel = *input.Body.IntendedLevel
		}
		d, err := e.CreateDocument(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" required:"false"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDocuments(ctx, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		d, err := e.Document(ctx, input.DocID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-document-state",
		Method:      http.MethodPost,
		Path:        "/documents/{doc_id}/state",
		Summary:     "Change document state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocID string          `path:"doc_id"`
		Body  SetStateRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetState(ctx, engine.StateChangeOptions{
			DocID:       input.DocID,
			StateType:   input.Body.StateType,
			State:       input.Body.State,
			ReplaceTags: input.Body.Tags,
			ActorID:     actorID,
			Force:       input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-document-tags",
		Method:      http.MethodPost,
		Path:        "/documents/{doc_id}/tags",
		Summary:     "Add or remove tags",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string         `path:"doc_id"`
		Body  SetTagsRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetTags(ctx, input.DocID, input.Body.StateType, input.Body.Add, input.Body.Remove, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-document-revision",
		Method:      http.MethodPost,
		Path:        "/documents/{doc_id}/rev",
		Summary:     "Record new revision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string             `path:"doc_id"`
		Body  SetRevisionRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.NewRevision(ctx, input.DocID, input.Body.Rev, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-document-metadata",
		Method:      http.MethodPost,
		Path:        "/documents/{doc_id}/meta",
		Summary:     "Change a metadata field",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string             `path:"doc_id"`
		Body  SetMetadataRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateMetadata(ctx, input.DocID, input.Body.Field, input.Body.Value, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-document-comment",
		Method:        http.MethodPost,
		Path:          "/documents/{doc_id}/comments",
		Summary:       "Add comment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string         `path:"doc_id"`
		Body  CommentRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.AddComment(ctx, input.DocID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-document-events",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}/events",
		Summary:     "Document history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
		Since int64  `query:"since" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.EventsFor(ctx, input.DocID, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-document",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}/replay",
		Summary:     "Rebuild projection from the event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
		Upto  int64  `query:"upto" required:"false"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		d, err := e.Replay(ctx, input.DocID, input.Upto)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-state-at",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}/state-at",
		Summary:     "States at a past instant",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
		TS    string `query:"ts" format:"date-time"`
	}) (*struct {
		Body StateAtResponse `json:"body"`
	}, error) {
		t, err := time.Parse(time.RFC3339, input.TS)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ts must be RFC3339", nil)
		}
		states, err := e.StateAsOf(ctx, input.DocID, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateAtResponse `json:"body"`
		}{Body: StateAtResponse{
			DocID:  input.DocID,
			TS:     domain.FormatTime(t),
			States: states,
		}}, nil
	})
}

func registerBallots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-ballot",
		Method:        http.MethodPost,
		Path:          "/documents/{doc_id}/ballots",
		Summary:       "Open ballot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
	}) (*struct {
		Body BallotResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.OpenBallot(ctx, input.DocID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BallotResponse `json:"body"`
		}{Body: ballotResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ballots",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}/ballots",
		Summary:     "List ballots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
	}) (*struct {
		Body []BallotResponse `json:"body"`
	}, error) {
		items, err := e.ListBallots(ctx, input.DocID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BallotResponse `json:"body"`
		}{Body: mapBallots(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ballot",
		Method:      http.MethodGet,
		Path:        "/ballots/{ballot_id}",
		Summary:     "Get ballot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BallotID string `path:"ballot_id"`
	}) (*struct {
		Body BallotResponse `json:"body"`
	}, error) {
		b, err := e.Ballot(ctx, input.BallotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BallotResponse `json:"body"`
		}{Body: ballotResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-position",
		Method:      http.MethodPut,
		Path:        "/ballots/{ballot_id}/positions",
		Summary:     "Record reviewer position",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BallotID string                `path:"ballot_id"`
		Body     RecordPositionRequest `json:"body"`
	}) (*struct {
		Body PositionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RecordPosition(ctx, input.BallotID, input.Body.Reviewer, input.Body.Value, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PositionResponse `json:"body"`
		}{Body: positionResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-positions",
		Method:      http.MethodGet,
		Path:        "/ballots/{ballot_id}/positions",
		Summary:     "Current positions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BallotID string `path:"ballot_id"`
	}) (*struct {
		Body []PositionResponse `json:"body"`
	}, error) {
		items, err := e.Positions(ctx, input.BallotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PositionResponse `json:"body"`
		}{Body: mapPositions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ballot-outcome",
		Method:      http.MethodGet,
		Path:        "/ballots/{ballot_id}/outcome",
		Summary:     "Ballot outcome",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BallotID string `path:"ballot_id"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		outcome, err := e.Outcome(ctx, input.BallotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: OutcomeResponse{BallotID: input.BallotID, Outcome: outcome}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-ballot",
		Method:      http.MethodPost,
		Path:        "/ballots/{ballot_id}/close",
		Summary:     "Close ballot",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BallotID string `path:"ballot_id"`
	}) (*struct {
		Body BallotResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CloseBallot(ctx, input.BallotID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BallotResponse `json:"body"`
		}{Body: ballotResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-ballot-writeup",
		Method:      http.MethodPut,
		Path:        "/documents/{doc_id}/writeup",
		Summary:     "Save approval writeup",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string         `path:"doc_id"`
		Body  WriteupRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SaveBallotWriteup(ctx, input.DocID, input.Body.Text, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ballot-writeup",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}/writeup",
		Summary:     "Latest approval writeup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
	}) (*struct {
		Body WriteupRequest `json:"body"`
	}, error) {
		text, err := e.BallotWriteup(ctx, input.DocID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WriteupRequest `json:"body"`
		}{Body: WriteupRequest{Text: text}}, nil
	})
}

func registerTelechat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-telechat",
		Method:      http.MethodGet,
		Path:        "/documents/{doc_id}/telechat",
		Summary:     "Current telechat assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocID string `path:"doc_id"`
	}) (*struct {
		Body TelechatResponse `json:"body"`
	}, error) {
		t, err := e.Telechat(ctx, input.DocID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TelechatResponse `json:"body"`
		}{Body: TelechatResponse{Date: t.Date, Returning: t.Returning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-telechat",
		Method:      http.MethodPut,
		Path:        "/documents/{doc_id}/telechat",
		Summary:     "Place, move or remove from telechat agenda",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DocID string          `path:"doc_id"`
		Body  TelechatRequest `json:"body"`
	}) (*struct {
		Body TelechatResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetTelechat(ctx, input.DocID, input.Body.Date, input.Body.Returning, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TelechatResponse `json:"body"`
		}{Body: TelechatResponse{Date: t.Date, Returning: t.Returning}}, nil
	})
}

func registerLastCalls(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-last-call",
		Method:      http.MethodPost,
		Path:        "/documents/{doc_id}/last-call",
		Summary:     "Open a last-call review window",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocID string          `path:"doc_id"`
		Body  LastCallRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expires, err := time.Parse(time.RFC3339, input.Body.ExpiresAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "expires_at must be RFC3339", nil)
		}
		d, err := e.RequestLastCall(ctx, input.DocID, expires, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-expired-last-calls",
		Method:      http.MethodGet,
		Path:        "/last-calls/expired",
		Summary:     "Documents with an elapsed last call",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AsOf string `query:"as_of" required:"false" format:"date-time"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		asOf := time.Now()
		if input.AsOf != "" {
			t, err := time.Parse(time.RFC3339, input.AsOf)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "as_of must be RFC3339", nil)
			}
			asOf = t
		}
		ids, err := e.FindExpiredLastCalls(ctx, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-last-calls",
		Method:      http.MethodPost,
		Path:        "/last-calls/sweep",
		Summary:     "Expire every overdue last call",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asOf := time.Now()
		if input.Body.AsOf != "" {
			t, err := time.Parse(time.RFC3339, input.Body.AsOf)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "as_of must be RFC3339", nil)
			}
			asOf = t
		}
		ids, err := e.FindExpiredLastCalls(ctx, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.SweepLastCalls(ctx, asOf, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: ids}}, nil
	})
}

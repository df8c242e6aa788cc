package pipeline

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/corvane/keyrelay/internal/httpserver"
	"github.com/corvane/keyrelay/pkg/configcache"
)

// RoutesV1 mounts the Claude, OpenAI chat-completions, and OpenAI
// Responses (Codex) surfaces, plus the aggregated model catalog, under
// whatever prefix the caller mounts this router at ("/v1").
func (h *Handler) RoutesV1() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", h.handleMessages)
	r.Post("/chat/completions", h.handleChatCompletions)
	r.Post("/responses", h.handleResponses)
	r.Get("/models", h.handleModels)
	return r
}

// RoutesV1Beta mounts the Gemini surface, whose model and action
// (generateContent vs streamGenerateContent) are both encoded in the path
// rather than the body.
func (h *Handler) RoutesV1Beta() chi.Router {
	r := chi.NewRouter()
	r.Post("/models/{modelAction}", h.handleGemini)
	return r
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, endpointRequest{family: configcache.FamilyClaude, endpoint: "messages"})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, endpointRequest{family: configcache.FamilyOpenAI, endpoint: "chat.completions"})
}

func (h *Handler) handleResponses(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, endpointRequest{family: configcache.FamilyResponses, endpoint: "responses"})
}

func (h *Handler) handleGemini(w http.ResponseWriter, r *http.Request) {
	modelAction := chi.URLParam(r, "modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, string(KindBadRequest), "expected {model}:{action} path segment", nil)
		return
	}
	stream := action == "streamGenerateContent"
	h.handle(w, r, endpointRequest{
		family:     configcache.FamilyGemini,
		endpoint:   action,
		pathModel:  model,
		pathStream: &stream,
	})
}

// handleModels serves the aggregated catalog across every enabled
// provider, used by clients that probe /v1/models before their first
// real call.
func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	entries, err := h.d.Cache.AggregatedModels(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, string(KindInternal), err.Error(), nil)
		return
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{"id": e.ID, "object": "model", "owned_by": e.OwnedBy})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

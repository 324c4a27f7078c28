package server

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborview/taskhub/internal/realtime/protocol"
)

// publishSecretHeader carries the shared secret that gates the internal
// publish endpoint, mirroring how backend services authenticate to each
// other elsewhere in the platform.
const publishSecretHeader = "X-Resource-Secret"

// publishRequest is one backend-originated push. Project-scoped types fan
// out to every subscriber of the project; notification targets one user.
type publishRequest struct {
	ProjectID string          `json:"projectId"`
	UserID    string          `json:"userId,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func registerPublishRoutes(mux *http.ServeMux, hub *roomHub, publishSecret string) {
	if publishSecret == "" {
		return
	}

	tracer := otel.Tracer("realtime/publish")
	mux.HandleFunc("POST /internal/publish", func(w http.ResponseWriter, r *http.Request) {
		provided := strings.TrimSpace(r.Header.Get(publishSecretHeader))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(publishSecret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid publish payload", http.StatusBadRequest)
			return
		}
		req.ProjectID = strings.TrimSpace(req.ProjectID)
		req.UserID = strings.TrimSpace(req.UserID)
		req.Type = strings.TrimSpace(req.Type)
		if req.ProjectID == "" {
			http.Error(w, "projectId is required", http.StatusBadRequest)
			return
		}

		_, span := tracer.Start(r.Context(), "realtime.publish",
			trace.WithAttributes(
				attribute.String("taskhub.project_id", req.ProjectID),
				attribute.String("taskhub.message_type", req.Type),
			),
		)
		defer span.End()

		room := hub.room(req.ProjectID)
		switch req.Type {
		case protocol.TypeTaskUpdated, protocol.TypeTasksSynced, protocol.TypeProjectUpdated:
			publishRaw(room.peers(nil, ""), req)
		case protocol.TypeNotification:
			if req.UserID == "" {
				http.Error(w, "userId is required for notification publish", http.StatusBadRequest)
				return
			}
			publishRaw(room.peersOf(req.UserID), req)
		default:
			http.Error(w, "unsupported publish type", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

func publishRaw(peers []*wsPeer, req publishRequest) {
	env, err := protocol.NewEnvelope(req.Type, req.ProjectID, nil)
	if err != nil {
		log.Printf("realtime: build %s publish envelope: %v", req.Type, err)
		return
	}
	env.Data = req.Data
	for _, peer := range peers {
		_ = peer.writeEnvelope(env)
	}
}

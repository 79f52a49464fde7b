package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devicebus-core/internal/codec"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// CommandRequest is the body of POST /api/v1/devices/{pid}/{did}/commands.
type CommandRequest struct {
	// Codec names a downstream codec; its pattern builds the device topic.
	Codec        string               `json:"codec"`
	FunctionType message.FunctionType `json:"function_type,omitempty"` // defaults to the codec's
	Identifier   string               `json:"identifier,omitempty"`
	Data         map[string]any       `json:"data"`
}

// CommandResponse reports where an accepted command was routed.
type CommandResponse struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	ServerID string `json:"server_id"`
}

// handleUplink accepts one raw device frame. The device topic is taken
// from the "topic" query parameter and the body is the wire payload.
func (s *Server) handleUplink(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no gateway on this node")
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeBadRequest(w, "topic query parameter is required")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return
	}

	msg, err := s.gateway.HandleUpstream(r.Context(), topic, payload)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     msg.ID,
		"device": msg.DeviceKey(),
	})
}

// handleCommand sends a downstream message to whichever gateway holds the
// device's session.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	pid, did := chi.URLParam(r, "pid"), chi.URLParam(r, "did")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Codec == "" {
		writeBadRequest(w, "codec is required")
		return
	}

	info, topic, err := s.commandTopic(req, pid, did)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	switch {
	case req.FunctionType == "":
		req.FunctionType = info.FunctionType
	case info.FunctionType != "" && req.FunctionType != info.FunctionType:
		writeBadRequest(w, "codec "+req.Codec+" carries "+string(info.FunctionType)+" messages")
		return
	}

	msg := message.DeviceMessage{
		ID:                    message.NewID(),
		Topic:                 topic,
		ProductIdentification: pid,
		DeviceIdentification:  did,
		FunctionType:          req.FunctionType,
		Direction:             message.Downstream,
		Identifier:            req.Identifier,
		Type:                  req.Codec,
		Payload:               req.Data,
		Timestamp:             time.Now().UTC().Truncate(time.Millisecond),
	}

	serverID, err := s.producer.SendDownstream(r.Context(), msg)
	if err != nil {
		s.logger.Info("command rejected",
			"stage", message.FailureStage(err),
			"message_id", msg.ID,
			"device", msg.DeviceKey(),
			"error", err,
		)
		writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{
		ID:       msg.ID,
		Topic:    topic,
		ServerID: serverID,
	})
}

// commandTopic expands the named downstream codec's pattern for a device.
func (s *Server) commandTopic(req CommandRequest, pid, did string) (codec.Info, string, error) {
	var found *codec.Info
	for _, info := range s.codecs.Codecs() {
		if info.Name == req.Codec {
			found = &info
			break
		}
	}
	if found == nil {
		return codec.Info{}, "", errors.New("unknown codec " + req.Codec)
	}
	if found.Direction != message.Downstream {
		return codec.Info{}, "", errors.New("codec " + req.Codec + " does not carry downstream traffic")
	}

	pattern, ok := s.codecs.Lookup(req.Codec)
	if !ok {
		return codec.Info{}, "", errors.New("unknown codec " + req.Codec)
	}

	vars := codec.Vars{codec.TokenProduct: pid, codec.TokenDevice: did}
	if req.Identifier != "" {
		vars[codec.TokenIdentifier] = req.Identifier
	}
	topic, err := pattern.Expand(vars)
	if err != nil {
		return codec.Info{}, "", err
	}
	return *found, topic, nil
}

// handleGetAffinity reports which gateway currently holds the device.
func (s *Server) handleGetAffinity(w http.ResponseWriter, r *http.Request) {
	key := message.DeviceKey(chi.URLParam(r, "pid"), chi.URLParam(r, "did"))

	serverID, err := s.producer.Resolve(r.Context(), key)
	if errors.Is(err, message.ErrDeviceOffline) {
		writeNotFound(w, "device has no gateway affinity")
		return
	}
	if err != nil {
		writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":    key,
		"server_id": serverID,
		"local":     serverID == s.node,
	})
}

// handleSessionHeartbeat opens or refreshes the device's session on this
// node for devices that speak HTTP instead of holding a connection.
func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no gateway on this node")
		return
	}

	pid, did := chi.URLParam(r, "pid"), chi.URLParam(r, "did")
	key := message.DeviceKey(pid, did)

	var err error
	if s.gateway.Connected(key) {
		err = s.gateway.Heartbeat(r.Context(), pid, did)
	} else {
		err = s.gateway.Connect(r.Context(), pid, did)
	}
	if err != nil {
		writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":    key,
		"server_id": s.gateway.Node(),
	})
}

// handleSessionClose ends the device's session on this node.
func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no gateway on this node")
		return
	}

	if err := s.gateway.Disconnect(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "did")); err != nil {
		writePipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListCodecs lists the registered codecs in registration order.
func (s *Server) handleListCodecs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"codecs": s.codecs.Codecs(),
	})
}

// handleListSubscriptions lists the bus subscriptions on this node.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": s.bus.Stats(),
	})
}

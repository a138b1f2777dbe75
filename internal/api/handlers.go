package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wpphub/internal/outbox"
	wsync "github.com/matheus3301/wpphub/internal/sync"
	"go.uber.org/zap"
)

var allowedUpload = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|mp4|mov|avi|mp3|wav|pdf|doc|docx|xls|xlsx)$`)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().UnixMilli()})
}

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Instances.List())
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	rt, err := s.svc.Instances.Lookup(pathParam(r, "instanceID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt.Info())
}

// handleConnect creates the instance on first use. Progress is reported on the
// event stream.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "instanceID")
	rt, err := s.svc.Instances.GetOrCreate(r.Context(), id, s.svc.Bus)
	if err != nil {
		s.logger.Warn("connect failed", zap.String("instance", id), zap.Error(err))
		respondError(w, err)
		return
	}
	// ?wait=<duration> blocks until the instance is ready, bounded by the
	// request timeout. Ready answers 200; anything else stays 202.
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			respondError(w, badRequest("invalid wait %q", raw))
			return
		}
		if s.svc.Instances.WaitUntilReady(r.Context(), id, min(wait, requestTimeout)) {
			respondJSON(w, http.StatusOK, rt.Info())
			return
		}
	}
	respondJSON(w, http.StatusAccepted, rt.Info())
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.svc.Chats.GetChats(r.Context(), pathParam(r, "instanceID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := wsync.MaxHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= wsync.MaxHistoryLimit {
			limit = n
		}
	}
	msgs, err := s.svc.History.Messages(r.Context(), pathParam(r, "instanceID"), pathParam(r, "chatID"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.History.ContactInfo(r.Context(), pathParam(r, "instanceID"), pathParam(r, "chatID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type sendRequest struct {
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body.ChatID == "" {
		respondError(w, badRequest("chatId is required"))
		return
	}
	s.send(w, r, outbox.Request{
		ChatID:    body.ChatID,
		Text:      body.Text,
		MediaURL:  body.MediaURL,
		MediaType: body.MediaType,
	})
}

// handleSendMedia accepts a multipart upload in the "file" field and sends it
// as a data URL.
func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMediaBytes+maxBodyBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		respondError(w, badRequest("parse form: %v", err))
		return
	}
	chatID := r.FormValue("chatId")
	if chatID == "" {
		respondError(w, badRequest("chatId is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, badRequest("file is required"))
		return
	}
	defer func() { _ = file.Close() }()

	mimeType := header.Header.Get("Content-Type")
	if !allowedUpload.MatchString(header.Filename) && !strings.HasPrefix(mimeType, "image/") &&
		!strings.HasPrefix(mimeType, "video/") && !strings.HasPrefix(mimeType, "audio/") {
		respondError(w, badRequest("file type not allowed: %s", header.Filename))
		return
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	data, err := io.ReadAll(io.LimitReader(file, maxMediaBytes+1))
	if err != nil {
		respondError(w, badRequest("read file: %v", err))
		return
	}
	if int64(len(data)) > maxMediaBytes {
		respondError(w, &http.MaxBytesError{Limit: maxMediaBytes})
		return
	}
	s.send(w, r, outbox.Request{
		ChatID:    chatID,
		Text:      r.FormValue("text"),
		MediaURL:  "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		MediaType: mimeType,
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, req outbox.Request) {
	req.InstanceID = pathParam(r, "instanceID")
	req.Actor = actorFrom(r)
	res, err := s.svc.Sender.Send(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, err)
		return
	}
	chat, err := s.svc.Edits.UpdateTags(r.Context(), pathParam(r, "instanceID"), pathParam(r, "chatID"), body.Tags, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stage string `json:"stage"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, err)
		return
	}
	chat, err := s.svc.Edits.UpdateStage(r.Context(), pathParam(r, "instanceID"), pathParam(r, "chatID"), body.Stage, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, err)
		return
	}
	chat, err := s.svc.Edits.AssignOwner(r.Context(), pathParam(r, "instanceID"), pathParam(r, "chatID"), body.UserID, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).Admin {
		respondJSON(w, http.StatusForbidden, errorBody{Error: "admin role required"})
		return
	}
	snap, err := s.svc.Metrics.Compute()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

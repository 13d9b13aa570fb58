package handlers

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/providentiaww/trilix-command-bridge/internal/bridge"
	"github.com/providentiaww/trilix-command-bridge/internal/models"
)

// Service handles command execution requests arriving over AMQP.
type Service struct {
	registry *bridge.Registry
	log      *log.Entry
}

// NewService creates a new command service.
func NewService(registry *bridge.Registry) *Service {
	return &Service{
		registry: registry,
		log:      log.WithField("component", "command-service"),
	}
}

// HandleRequest processes one incoming RabbitMQ message and returns the
// serialized response for the reply-to queue.
func (s *Service) HandleRequest(d amqp.Delivery) []byte {
	var req models.CommandRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return marshalResponse(models.ErrorResponse(models.ErrCodeInvalidRequest, err.Error(), ""))
	}
	if req.UserID == "" || req.Provider == "" || len(req.Command) == 0 {
		return marshalResponse(models.ErrorResponse(models.ErrCodeInvalidRequest,
			"user_id, provider and command are required", req.RequestID))
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	result, err := s.registry.Execute(context.Background(), req.UserID, req.Provider, req.Command, timeout)
	if err != nil {
		code, _ := bridge.ErrorCode(err)
		s.log.WithFields(log.Fields{
			"request_id": req.RequestID,
			"user_id":    req.UserID,
			"provider":   req.Provider,
		}).Warnf("command failed: %v", err)
		return marshalResponse(models.ErrorResponse(code, err.Error(), req.RequestID))
	}

	return marshalResponse(models.CommandResponse{
		Success:   true,
		Result:    result,
		RequestID: req.RequestID,
	})
}

func marshalResponse(resp models.CommandResponse) []byte {
	data, _ := json.Marshal(resp)
	return data
}

package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"e2e_crypto/internal/metrics"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/utils/log"
)

func deliveryLock(userID, deviceID string) string {
	return "delivery:" + connKey(userID, deviceID)
}

// deliver pushes events to a connected device and queues them otherwise.
// Delivery to one device is serialised so that queued events are always
// forwarded before newer ones.
func (s *HttpServer) deliver(ctx context.Context, userID, deviceID string, events []model.ToDeviceEvent) error {
	unlock, err := s.locks.Lock(ctx, deliveryLock(userID, deviceID))
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.RLock()
	conn := s.mapper[connKey(userID, deviceID)]
	s.mu.RUnlock()

	if conn != nil {
		err := conn.write(events)
		if err == nil {
			metrics.RelayMessagesTotal.WithLabelValues("pushed").Add(float64(len(events)))
			return nil
		}
		log.Warn("push to device failed, queueing",
			zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Error(err))
	}

	if err := s.queue.Push(ctx, userID, deviceID, events...); err != nil {
		return err
	}
	metrics.RelayMessagesTotal.WithLabelValues("queued").Add(float64(len(events)))
	return nil
}

// attach registers a freshly connected device and forwards what was queued
// for it while it was away. It reports false if the device already has a
// connection.
func (s *HttpServer) attach(ctx context.Context, userID, deviceID string, conn *deviceConn) (bool, error) {
	unlock, err := s.locks.Lock(ctx, deliveryLock(userID, deviceID))
	if err != nil {
		return false, err
	}
	defer unlock()

	key := connKey(userID, deviceID)
	s.mu.Lock()
	if _, ok := s.mapper[key]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.mapper[key] = conn
	s.mu.Unlock()

	return true, s.ForwardUnsentMessages(ctx, userID, deviceID, conn)
}

func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, userID, deviceID string, conn *deviceConn) error {
	events, err := s.queue.Drain(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := conn.write(events); err != nil {
		// Put them back; the device will get them on its next connection.
		if pushErr := s.queue.Push(ctx, userID, deviceID, events...); pushErr != nil {
			log.Error("requeue failed, events lost",
				zap.String("user_id", userID), zap.String("device_id", deviceID),
				zap.Int("events", len(events)), zap.Error(pushErr))
		}
		return err
	}
	metrics.RelayMessagesTotal.WithLabelValues("forwarded").Add(float64(len(events)))
	log.Debug("forwarded queued events",
		zap.String("user_id", userID), zap.String("device_id", deviceID), zap.Int("events", len(events)))
	return nil
}

// recipients expands "*" to every device the user published.
func (s *HttpServer) recipients(ctx context.Context, userID string, devices map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	content, ok := devices["*"]
	if !ok {
		return devices, nil
	}
	keys, err := s.directory.GetKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(devices))
	if keys != nil {
		for deviceID := range keys.Devices {
			out[deviceID] = content
		}
	}
	for deviceID, c := range devices {
		if deviceID != "*" {
			out[deviceID] = c
		}
	}
	return out, nil
}

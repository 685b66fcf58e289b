package sending

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/amityvox/continuum/internal/models"
)

// selectEDUs gathers the ephemeral payloads folded into a server
// transaction: device-list updates for local users since the destination's
// watermark, read receipts for rooms the destination participates in (at
// most 20), queued to-device messages, and signing-key update notices.
func (s *Service) selectEDUs(ctx context.Context, destination string) ([]json.RawMessage, error) {
	var out []json.RawMessage

	watermark, err := s.eduWatermark(ctx, destination)
	if err != nil {
		return nil, err
	}
	var maxSeen int64 = watermark

	// Device-list updates since the watermark.
	rows, err := s.pool.Query(ctx,
		`SELECT seq, user_id, device_id, payload FROM device_list_updates
		 WHERE seq > $1 ORDER BY seq ASC LIMIT 50`, watermark)
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "querying device list updates: %s", err)
	}
	for rows.Next() {
		var seq int64
		var userID, deviceID string
		var payload []byte
		if err := rows.Scan(&seq, &userID, &deviceID, &payload); err != nil {
			rows.Close()
			return nil, models.NewError(models.ErrStorageFault, "scanning device list update: %s", err)
		}
		edu, _ := json.Marshal(map[string]interface{}{
			"edu_type": "m.device_list_update",
			"content":  json.RawMessage(payload),
		})
		out = append(out, edu)
		if seq > maxSeen {
			maxSeen = seq
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "iterating device list updates: %s", err)
	}

	// Read receipts for rooms the destination participates in; receipts at
	// or below the watermark are skipped.
	receiptRows, err := s.pool.Query(ctx,
		`SELECT r.seq, r.room_id, r.payload FROM read_receipts r
		 WHERE r.seq > $1
		   AND EXISTS (
			SELECT 1 FROM room_events e
			WHERE e.room_id = r.room_id
			  AND e.event_json->>'type' = 'm.room.member'
			  AND e.event_json->'content'->>'membership' = 'join'
			  AND split_part(substring(e.event_json->>'state_key' from 2), ':', 2) = $2
			  AND e.stream_pos IS NOT NULL)
		 ORDER BY r.seq ASC LIMIT $3`,
		watermark, destination, models.MaxReceiptEDUsPerTransaction)
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "querying read receipts: %s", err)
	}
	for receiptRows.Next() {
		var seq int64
		var roomID string
		var payload []byte
		if err := receiptRows.Scan(&seq, &roomID, &payload); err != nil {
			receiptRows.Close()
			return nil, models.NewError(models.ErrStorageFault, "scanning read receipt: %s", err)
		}
		edu, _ := json.Marshal(map[string]interface{}{
			"edu_type": "m.receipt",
			"content":  json.RawMessage(payload),
		})
		out = append(out, edu)
		if seq > maxSeen {
			maxSeen = seq
		}
	}
	receiptRows.Close()
	if err := receiptRows.Err(); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "iterating read receipts: %s", err)
	}

	// Queued to-device messages for users on the destination.
	tdRows, err := s.pool.Query(ctx,
		`SELECT id, payload FROM to_device_messages
		 WHERE target_server = $1 ORDER BY seq ASC LIMIT 50`, destination)
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "querying to-device messages: %s", err)
	}
	var deliveredToDevice []string
	for tdRows.Next() {
		var id string
		var payload []byte
		if err := tdRows.Scan(&id, &payload); err != nil {
			tdRows.Close()
			return nil, models.NewError(models.ErrStorageFault, "scanning to-device message: %s", err)
		}
		edu, _ := json.Marshal(map[string]interface{}{
			"edu_type": "m.direct_to_device",
			"content":  json.RawMessage(payload),
		})
		out = append(out, edu)
		deliveredToDevice = append(deliveredToDevice, id)
	}
	tdRows.Close()
	if err := tdRows.Err(); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "iterating to-device messages: %s", err)
	}
	if len(deliveredToDevice) > 0 {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM to_device_messages WHERE id = ANY($1)`, deliveredToDevice); err != nil {
			s.logger.Warn("clearing delivered to-device messages failed",
				slog.String("error", err.Error()))
		}
	}

	// Signing-key update notices since the watermark.
	keyRows, err := s.pool.Query(ctx,
		`SELECT seq, payload FROM signing_key_updates
		 WHERE seq > $1 ORDER BY seq ASC LIMIT 20`, watermark)
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "querying signing key updates: %s", err)
	}
	for keyRows.Next() {
		var seq int64
		var payload []byte
		if err := keyRows.Scan(&seq, &payload); err != nil {
			keyRows.Close()
			return nil, models.NewError(models.ErrStorageFault, "scanning signing key update: %s", err)
		}
		edu, _ := json.Marshal(map[string]interface{}{
			"edu_type": "m.signing_key_update",
			"content":  json.RawMessage(payload),
		})
		out = append(out, edu)
		if seq > maxSeen {
			maxSeen = seq
		}
	}
	keyRows.Close()
	if err := keyRows.Err(); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "iterating signing key updates: %s", err)
	}

	if maxSeen > watermark {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO edu_watermarks (destination, seq) VALUES ($1, $2)
			 ON CONFLICT (destination) DO UPDATE SET seq = EXCLUDED.seq`,
			destination, maxSeen); err != nil {
			s.logger.Warn("updating EDU watermark failed",
				slog.String("destination", destination), slog.String("error", err.Error()))
		}
	}

	return out, nil
}

// eduWatermark reads the destination's EDU-count watermark; zero when the
// destination has never been sent EDUs.
func (s *Service) eduWatermark(ctx context.Context, destination string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM edu_watermarks WHERE destination = $1`, destination).Scan(&seq)
	if err != nil {
		return 0, nil
	}
	return seq, nil
}

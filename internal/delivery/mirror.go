package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// MirrorMessage is the envelope published for every delivered CoT event, for
// downstream consumers that want the feed without talking to the TAK server.
type MirrorMessage struct {
	DetectionID string    `json:"detection_id"`
	DeliveredAt time.Time `json:"delivered_at"`
	CotXML      string    `json:"cot_xml"`
}

// Mirror republishes delivered CoT events on a NATS subject.
type Mirror struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewMirror(conn *nats.Conn, subject string, maxRetries int) *Mirror {
	return &Mirror{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
	}
}

func (m *Mirror) Publish(detectionID uuid.UUID, cotXML []byte) error {
	data, err := json.Marshal(MirrorMessage{
		DetectionID: detectionID.String(),
		DeliveredAt: time.Now().UTC(),
		CotXML:      string(cotXML),
	})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= m.maxRetries; i++ {
		err = m.conn.Publish(m.subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", m.maxRetries, err)
}

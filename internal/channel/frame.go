package channel

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/kevin07696/uniform-pay/internal/domain"
)

// Realtime frame types with a fixed meaning
const (
	FramePaymentSuccess  = "PAYMENT_SUCCESS"
	FramePaymentCanceled = "PAYMENT_CANCELED"
)

// frame is the push feed's message layout: {type, data, client_sn, timestamp}
type frame struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	ClientSN    string          `json:"client_sn"`
	Timestamp   string          `json:"timestamp"`
	OrderStatus string          `json:"order_status"`
}

type frameData struct {
	ClientSN    string `json:"client_sn"`
	OrderStatus string `json:"order_status"`
}

// ParseFrame decodes one push frame. ok is false for well-formed frames that carry no
// payment status (heartbeats, connection acks).
func ParseFrame(raw []byte, receivedAt time.Time) (ev domain.StatusEvent, ok bool, err error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ev, false, domain.WrapError(domain.ErrorCodeDecode, "malformed realtime frame", err)
	}

	var data frameData
	if trimmed := bytes.TrimSpace(f.Data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &data); err != nil {
			return ev, false, domain.WrapError(domain.ErrorCodeDecode, "malformed realtime frame data", err)
		}
	}

	ev = domain.StatusEvent{
		ClientTransactionID: firstNonEmpty(f.ClientSN, data.ClientSN),
		ReceivedAt:          receivedAt,
		Source:              domain.SourceRealtime,
	}

	switch strings.ToUpper(f.Type) {
	case FramePaymentSuccess:
		ev.OrderStatus = domain.OrderStatusPaid
		return ev, true, nil
	case FramePaymentCanceled:
		ev.OrderStatus = domain.OrderStatusCanceled
		return ev, true, nil
	}

	rawStatus := firstNonEmpty(f.OrderStatus, data.OrderStatus)
	if rawStatus == "" {
		return ev, false, nil
	}
	status, known := domain.ParseOrderStatus(rawStatus)
	if !known {
		return ev, false, domain.NewDomainError(domain.ErrorCodeDecode, "unknown order status in realtime frame").
			WithDetail("order_status", rawStatus)
	}
	ev.OrderStatus = status
	return ev, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

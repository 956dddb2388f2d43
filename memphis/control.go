package memphis

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	subjProducerCreate  = "$memphis_producer_creations"
	subjProducerDestroy = "$memphis_producer_destructions"
	subjConsumerCreate  = "$memphis_consumer_creations"
	subjConsumerDestroy = "$memphis_consumer_destructions"

	reqVersion = 1
)

type createProducerReq struct {
	Name         string `json:"name"`
	StationName  string `json:"station_name"`
	ConnectionID string `json:"connection_id"`
	ProducerType string `json:"producer_type"`
	ReqVersion   int    `json:"req_version"`
	Username     string `json:"username"`
}

type createProducerResp struct {
	Error            string `json:"error"`
	PartitionsUpdate struct {
		PartitionsList []int `json:"partitions_list"`
	} `json:"partitions_update"`
}

type createConsumerReq struct {
	Name                     string `json:"name"`
	StationName              string `json:"station_name"`
	ConnectionID             string `json:"connection_id"`
	ConsumerType             string `json:"consumer_type"`
	ConsumersGroup           string `json:"consumers_group"`
	MaxAckTimeMS             int64  `json:"max_ack_time_ms"`
	MaxMsgDeliveries         int    `json:"max_msg_deliveries"`
	StartConsumeFromSequence int64  `json:"start_consume_from_sequence"`
	LastMessages             int64  `json:"last_messages"`
	ReqVersion               int    `json:"req_version"`
	Username                 string `json:"username"`
}

type destroyReq struct {
	Name         string `json:"name"`
	StationName  string `json:"station_name"`
	Username     string `json:"username"`
	ConnectionID string `json:"connection_id"`
	ReqVersion   int    `json:"req_version"`
}

// request runs one control-channel round trip with the session's control
// timeout.
func (s *Session) request(ctx context.Context, subject string, body any) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrConnectionClosed
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: subject, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, s.controlTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.conn.Request(ctx, subject, data)
	controlLatency.WithLabelValues(subject).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, wrapError(KindControlRequest, subject, err)
	}
	return resp, nil
}

// controlError turns the broker's plain-text error reply into a typed
// error. The broker only speaks text here, so this is the one place that
// looks at it.
func controlError(op string, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}
	if strings.Contains(msg, "not exist") {
		return newError(KindNotFound, op, msg)
	}
	return newError(KindControlRequest, op, msg)
}

func decodeProducerResp(op string, raw []byte) (createProducerResp, error) {
	var resp createProducerResp
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, &Error{Kind: KindControlRequest, Op: op, Msg: "malformed response: " + string(raw), Err: err}
	}
	return resp, controlError(op, resp.Error)
}

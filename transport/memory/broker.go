// Package memory provides an in-process broker implementing the Memphis
// control subjects, durable pull cursors with redelivery, dead-letter
// routing and msg-id deduplication. It backs tests and local engine runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"memphisflow/transport"
)

const (
	subjProducerCreate  = "$memphis_producer_creations"
	subjProducerDestroy = "$memphis_producer_destructions"
	subjConsumerCreate  = "$memphis_consumer_creations"
	subjConsumerDestroy = "$memphis_consumer_destructions"

	dlsPrefix   = "$memphis_dls_"
	msgIDHeader = "msg-id"

	pollInterval = 5 * time.Millisecond
)

// Stats counts the calls that reached the broker.
type Stats struct {
	Requests  int64
	Fetches   int64
	Publishes int64
}

// Message is a stored record as seen by tests.
type Message struct {
	Seq    uint64
	Data   []byte
	Header map[string]string
}

type Broker struct {
	mu       sync.Mutex
	stations map[string]*station
	streams  map[string]*stream
	subs     map[string][]*coreSub
	notify   chan struct{}

	creds    map[string]string
	token    string
	lastDial transport.DialOptions

	requests  atomic.Int64
	fetches   atomic.Int64
	publishes atomic.Int64
}

type station struct {
	name       string
	partitions []int
	producers  map[string]struct{}
	consumers  map[string]string // consumer name -> durable
	groups     map[string]*group
}

type group struct {
	durable       string
	maxAckTime    time.Duration
	maxDeliveries uint64
	cursors       map[string]*cursor // subject -> cursor
}

type cursor struct {
	next    uint64
	pending map[uint64]*inflight
}

type inflight struct {
	msg        *stored
	deliveries uint64
	deadline   time.Time
}

type stream struct {
	subject string
	msgs    []*stored
	msgIDs  map[string]uint64
}

type stored struct {
	seq    uint64
	data   []byte
	header map[string]string
	ts     time.Time
}

type coreSub struct {
	conn    *conn
	subject string
	handler func(transport.Delivery)
}

type Option func(*Broker)

// WithUser makes Dial reject any user/password pair other than the ones
// registered.
func WithUser(user, password string) Option {
	return func(b *Broker) { b.creds[user] = password }
}

func WithToken(token string) Option {
	return func(b *Broker) { b.token = token }
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		stations: make(map[string]*station),
		streams:  make(map[string]*stream),
		subs:     make(map[string][]*coreSub),
		notify:   make(chan struct{}),
		creds:    make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) Stats() Stats {
	return Stats{
		Requests:  b.requests.Load(),
		Fetches:   b.fetches.Load(),
		Publishes: b.publishes.Load(),
	}
}

// LastDial returns the options of the most recent successful Dial.
func (b *Broker) LastDial() transport.DialOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDial
}

// CreateStation registers a station up front. A non-zero partition count
// creates streams <name>$1.final .. <name>$n.final.
func (b *Broker) CreateStation(name string, partitions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stationLocked(internalName(name), partitions)
}

// DeleteStation drops a station with its streams, producers and cursors.
func (b *Broker) DeleteStation(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stations[internalName(name)]
	if !ok {
		return
	}
	for _, subj := range st.subjects() {
		delete(b.streams, subj)
	}
	delete(b.stations, st.name)
}

// Published returns a copy of everything stored under subject.
func (b *Broker) Published(subject string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[subject]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, Message{Seq: m.seq, Data: m.data, Header: m.header})
	}
	return out
}

// HasConsumerGroup reports whether a durable cursor exists for the pair.
func (b *Broker) HasConsumerGroup(stationName, durable string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stations[internalName(stationName)]
	if !ok {
		return false
	}
	_, ok = st.groups[internalName(durable)]
	return ok
}

/*──────── dial ───────*/

func (b *Broker) Dial(_ context.Context, o transport.DialOptions) (transport.Conn, error) {
	if b.token != "" || len(b.creds) > 0 {
		ok := false
		if o.Token != "" {
			ok = o.Token == b.token
		} else if pw, found := b.creds[o.User]; found {
			ok = pw == o.Password
		}
		if !ok {
			return nil, fmt.Errorf("%w: user %q", transport.ErrAuthorization, o.User)
		}
	}
	b.mu.Lock()
	b.lastDial = o
	b.mu.Unlock()
	return &conn{b: b, closed: make(chan struct{})}, nil
}

/*──────── stations ───────*/

func (b *Broker) stationLocked(name string, partitions int) *station {
	if st, ok := b.stations[name]; ok {
		return st
	}
	st := &station{
		name:      name,
		producers: make(map[string]struct{}),
		consumers: make(map[string]string),
		groups:    make(map[string]*group),
	}
	for p := 1; p <= partitions; p++ {
		st.partitions = append(st.partitions, p)
	}
	for _, subj := range st.subjects() {
		b.streams[subj] = &stream{subject: subj, msgIDs: make(map[string]uint64)}
	}
	b.stations[name] = st
	return st
}

func (st *station) subjects() []string {
	if len(st.partitions) == 0 {
		return []string{st.name + ".final"}
	}
	out := make([]string, 0, len(st.partitions))
	for _, p := range st.partitions {
		out = append(out, st.name+"$"+strconv.Itoa(p)+".final")
	}
	return out
}

/*──────── control plane ───────*/

type producerReq struct {
	Name        string `json:"name"`
	StationName string `json:"station_name"`
}

type consumerReq struct {
	Name                     string `json:"name"`
	StationName              string `json:"station_name"`
	ConsumersGroup           string `json:"consumers_group"`
	MaxAckTimeMS             int64  `json:"max_ack_time_ms"`
	MaxMsgDeliveries         int    `json:"max_msg_deliveries"`
	StartConsumeFromSequence uint64 `json:"start_consume_from_sequence"`
	LastMessages             int64  `json:"last_messages"`
}

func (b *Broker) handleControl(subject string, data []byte) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch subject {
	case subjProducerCreate:
		var req producerReq
		if err := json.Unmarshal(data, &req); err != nil {
			return []byte(`{"error":"bad request"}`), true
		}
		st := b.stationLocked(internalName(req.StationName), 0)
		st.producers[strings.ToLower(req.Name)] = struct{}{}
		resp := map[string]any{"error": ""}
		if len(st.partitions) > 0 {
			resp["partitions_update"] = map[string]any{"partitions_list": st.partitions}
		}
		out, _ := json.Marshal(resp)
		return out, true

	case subjProducerDestroy:
		var req producerReq
		if err := json.Unmarshal(data, &req); err != nil {
			return []byte("bad request"), true
		}
		st, ok := b.stations[internalName(req.StationName)]
		if !ok {
			return []byte("station " + req.StationName + " does not exist"), true
		}
		name := strings.ToLower(req.Name)
		if _, ok := st.producers[name]; !ok {
			return []byte("producer " + req.Name + " does not exist"), true
		}
		delete(st.producers, name)
		return nil, true

	case subjConsumerCreate:
		var req consumerReq
		if err := json.Unmarshal(data, &req); err != nil {
			return []byte("bad request"), true
		}
		if req.StartConsumeFromSequence == 0 {
			return []byte("start_consume_from_sequence has to be a positive number"), true
		}
		st := b.stationLocked(internalName(req.StationName), 0)
		durable := req.ConsumersGroup
		if durable == "" {
			durable = req.Name
		}
		durable = internalName(durable)
		st.consumers[strings.ToLower(req.Name)] = durable
		if _, ok := st.groups[durable]; !ok {
			st.groups[durable] = b.newGroupLocked(st, durable, req)
		}
		return nil, true

	case subjConsumerDestroy:
		var req consumerReq
		if err := json.Unmarshal(data, &req); err != nil {
			return []byte("bad request"), true
		}
		st, ok := b.stations[internalName(req.StationName)]
		if !ok {
			return []byte("station " + req.StationName + " does not exist"), true
		}
		name := strings.ToLower(req.Name)
		durable, ok := st.consumers[name]
		if !ok {
			return []byte("consumer " + req.Name + " does not exist"), true
		}
		delete(st.consumers, name)
		for _, d := range st.consumers {
			if d == durable {
				return nil, true
			}
		}
		// last member gone: the group cursor goes with it
		delete(st.groups, durable)
		return nil, true
	}
	return nil, false
}

func (b *Broker) newGroupLocked(st *station, durable string, req consumerReq) *group {
	g := &group{
		durable:       durable,
		maxAckTime:    time.Duration(req.MaxAckTimeMS) * time.Millisecond,
		maxDeliveries: uint64(req.MaxMsgDeliveries),
		cursors:       make(map[string]*cursor),
	}
	if g.maxAckTime <= 0 {
		g.maxAckTime = 30 * time.Second
	}
	if g.maxDeliveries == 0 {
		g.maxDeliveries = 10
	}
	for _, subj := range st.subjects() {
		next := req.StartConsumeFromSequence
		if req.LastMessages > -1 {
			last := uint64(len(b.streams[subj].msgs))
			n := uint64(req.LastMessages)
			next = 1
			if last >= n {
				next = last - n + 1
			}
		}
		g.cursors[subj] = &cursor{next: next, pending: make(map[uint64]*inflight)}
	}
	return g
}

/*──────── data plane ───────*/

// publish stores msg; it reports false when no stream owns the subject.
func (b *Broker) publish(out *transport.OutMsg) bool {
	b.mu.Lock()
	s, ok := b.streams[out.Subject]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if id := out.Header[msgIDHeader]; id != "" {
		if _, dup := s.msgIDs[id]; dup {
			b.mu.Unlock()
			return true
		}
	}
	m := &stored{
		seq:    uint64(len(s.msgs)) + 1,
		data:   append([]byte(nil), out.Data...),
		header: copyHeader(out.Header),
		ts:     time.Now(),
	}
	s.msgs = append(s.msgs, m)
	if id := out.Header[msgIDHeader]; id != "" {
		s.msgIDs[id] = m.seq
	}
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
	return true
}

func (b *Broker) deliverCore(subject string, d transport.Delivery) bool {
	b.mu.Lock()
	subs := append([]*coreSub(nil), b.subs[subject]...)
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case <-s.conn.closed:
			continue
		default:
		}
		s.handler(d)
	}
	return len(subs) > 0
}

// collect hands out up to batch messages for the durable on subject:
// expired in-flight messages first, then new ones. Messages that ran out
// of deliveries are returned separately for dead-letter routing.
func (b *Broker) collect(subject, durable string, batch int) ([]transport.Delivery, []transport.Delivery, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[subject]
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: no stream matches subject %s", transport.ErrNoResponders, subject)
	}
	st, g := b.groupForLocked(subject, durable)
	if g == nil {
		return nil, nil, "", fmt.Errorf("memory: consumer %s not found on %s", durable, subject)
	}
	cur := g.cursors[subject]
	now := time.Now()

	var out, dead []transport.Delivery
	seqs := make([]uint64, 0, len(cur.pending))
	for seq := range cur.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		if len(out) >= batch {
			break
		}
		inf := cur.pending[seq]
		if now.Before(inf.deadline) {
			continue
		}
		if inf.deliveries >= g.maxDeliveries {
			delete(cur.pending, seq)
			dead = append(dead, &delivery{subject: subject, msg: inf.msg, delivered: inf.deliveries})
			continue
		}
		inf.deliveries++
		inf.deadline = now.Add(g.maxAckTime)
		out = append(out, b.newDelivery(subject, durable, inf))
	}
	for len(out) < batch && cur.next <= uint64(len(s.msgs)) {
		inf := &inflight{msg: s.msgs[cur.next-1], deliveries: 1, deadline: now.Add(g.maxAckTime)}
		cur.pending[cur.next] = inf
		cur.next++
		out = append(out, b.newDelivery(subject, durable, inf))
	}
	return out, dead, dlsSubject(st.name, g.durable), nil
}

func (b *Broker) groupForLocked(subject, durable string) (*station, *group) {
	for _, st := range b.stations {
		g, ok := st.groups[durable]
		if !ok {
			continue
		}
		if _, ok := g.cursors[subject]; ok {
			return st, g
		}
	}
	return nil, nil
}

func (b *Broker) newDelivery(subject, durable string, inf *inflight) *delivery {
	seq := inf.msg.seq
	return &delivery{
		subject:   subject,
		msg:       inf.msg,
		delivered: inf.deliveries,
		ack: func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, g := b.groupForLocked(subject, durable); g != nil {
				delete(g.cursors[subject].pending, seq)
			}
			return nil
		},
	}
}

func dlsSubject(stationName, durable string) string {
	return dlsPrefix + stationName + "_" + durable
}

func internalName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), ".", "#")
}

func copyHeader(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Package engine runs one replicated oracle: it keeps the local state, the
// peer table and the per-epoch mempool, reconciles state with peers at
// startup and settles reputation every epoch. Every event of an engine is
// processed on one serialized loop.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olebedev/emitter"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
	"github.com/nmxmxh/openstar/kernel/threads/mailbox"
)

// Event topics published on Events().
const (
	EventConnected    = "engine.connected"
	EventEpoch        = "engine.epoch"
	EventCallAdmitted = "engine.call.admitted"
	EventStateAdopted = "engine.state.adopted"
)

// Config holds engine configuration
type Config struct {
	// Startup waits up to StartupAttempts rounds of StartupTimeout for the
	// first peer state, rebroadcasting local state every round.
	StartupTimeout  time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	StartupAttempts int           `json:"startup_attempts" mapstructure:"startup_attempts"`

	MempoolCapacity      uint    `json:"mempool_capacity" mapstructure:"mempool_capacity"`
	MempoolFalsePositive float64 `json:"mempool_false_positive" mapstructure:"mempool_false_positive"`

	SendTimeout time.Duration `json:"send_timeout" mapstructure:"send_timeout"`
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	return Config{
		StartupTimeout:       2 * time.Second,
		StartupAttempts:      15,
		MempoolCapacity:      10000,
		MempoolFalsePositive: 0.001,
		SendTimeout:          5 * time.Second,
	}
}

// Status is a point-in-time view of an engine.
type Status struct {
	Oracle      string `json:"oracle"`
	Epoch       int64  `json:"epoch"`
	Peers       int    `json:"peers"`
	Mempool     int    `json:"mempool"`
	Fingerprint string `json:"fingerprint"`
}

// Engine is the protocol engine of one oracle.
type Engine[S any] struct {
	network  common.Network
	identity common.IdentityProvider
	config   Config
	logger   *slog.Logger
	events   *emitter.Emitter
	loop     *mailbox.Mailbox

	oracle  Oracle[S]
	methods MethodTable[S]
	name    string

	// Loop-owned
	state                S
	stateKey             []byte
	genesisKey           []byte
	epoch                int64
	peers                *peerTable[S]
	mempool              *Mempool
	lastEpochFingerprint string

	firstState     chan struct{}
	firstStateOnce sync.Once
	connected      chan struct{}
	connectedOnce  sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	bound   atomic.Bool
}

var _ common.Handler = (*Engine[struct{}])(nil)

// New creates an engine sending through network. Bind an oracle with Start.
func New[S any](network common.Network, identity common.IdentityProvider, config Config, logger *slog.Logger) *Engine[S] {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = defaults.StartupTimeout
	}
	if config.StartupAttempts <= 0 {
		config.StartupAttempts = defaults.StartupAttempts
	}
	if config.MempoolCapacity == 0 {
		config.MempoolCapacity = defaults.MempoolCapacity
	}
	if config.MempoolFalsePositive <= 0 || config.MempoolFalsePositive >= 1 {
		config.MempoolFalsePositive = defaults.MempoolFalsePositive
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}

	e := &Engine[S]{
		network:    network,
		identity:   identity,
		config:     config,
		logger:     logger.With("component", "engine", "node_id", identity.Address().Short()),
		events:     emitter.New(64),
		epoch:      -1,
		peers:      newPeerTable[S](),
		mempool:    NewMempool(config.MempoolCapacity, config.MempoolFalsePositive),
		firstState: make(chan struct{}),
		connected:  make(chan struct{}),
		ctx:        context.Background(),
	}
	e.loop = mailbox.New(e.logger)
	// Slow subscribers miss events instead of stalling the loop.
	e.events.Use("*", emitter.Skip)
	return e
}

// Events exposes the engine's event bus.
func (e *Engine[S]) Events() *emitter.Emitter {
	return e.events
}

// Handle returns the capabilities handed to an oracle at construction.
func (e *Engine[S]) Handle() Handle[S] {
	return Handle[S]{e: e}
}

// Start binds the oracle and runs the loop, the startup sequence and the
// epoch timer until ctx ends or Stop is called.
func (e *Engine[S]) Start(ctx context.Context, oracle Oracle[S]) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	if err := e.bind(oracle); err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.logger.Info("starting engine", "epoch_time", oracle.EpochTime())

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.loop.Run(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.run(e.ctx)
	}()
	return nil
}

// Stop halts the engine and waits for its goroutines.
func (e *Engine[S]) Stop() {
	if !e.started.Load() || e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine[S]) bind(oracle Oracle[S]) error {
	if !e.bound.CompareAndSwap(false, true) {
		return errors.New("oracle already bound")
	}
	genesis, err := clone(oracle.Genesis())
	if err != nil {
		return fmt.Errorf("genesis state is not serializable: %w", err)
	}
	e.genesisKey, err = Canonical(genesis)
	if err != nil {
		return fmt.Errorf("genesis state is not serializable: %w", err)
	}

	e.oracle = oracle
	e.name = oracle.Name()
	e.methods = oracle.Methods()
	e.state = genesis
	e.logger = e.logger.With("oracle", e.name)
	return nil
}

// ========== Transport callbacks ==========

// HandleMessage queues a verified peer message for the loop.
func (e *Engine[S]) HandleMessage(from common.Address, msg common.Message, reply common.Replier) {
	if !e.bound.Load() {
		return
	}
	e.loop.Post(func() { e.handle(from, msg, reply) })
}

// OnConnect runs when the transport opens its first peer channel. The
// startup wait for peer state counts from here.
func (e *Engine[S]) OnConnect() {
	e.connectedOnce.Do(func() { close(e.connected) })
	e.loop.Post(func() {
		e.logger.Info("connected to peer network")
		e.events.Emit(EventConnected, e.name)
		e.broadcastState()
	})
}

func (e *Engine[S]) handle(from common.Address, msg common.Message, reply common.Replier) {
	switch msg.Kind {
	case common.KindPing:
		e.reply(reply, common.Pong())
	case common.KindPong:
		e.logger.Debug("pong", "peer", from.Short())
	case common.KindState:
		if msg.Oracle != e.name {
			return
		}
		e.onState(from, msg.State, reply)
	case common.KindCall:
		if msg.Oracle != e.name {
			return
		}
		method, err := e.admit(msg.Method, msg.Args)
		if err != nil {
			e.logRejection(from, msg.Method, err)
			return
		}
		e.loop.Post(func() { _ = e.apply(method, msg.Args) })
	}
}

func (e *Engine[S]) logRejection(from common.Address, method string, err error) {
	if errors.Is(err, common.ErrDuplicateTransaction) {
		e.logger.Debug("call already in mempool", "peer", from.Short(), "method", method)
		return
	}
	e.logger.Warn("call rejected", "peer", from.Short(), "method", method, "error", err)
}

// ========== State exchange ==========

func (e *Engine[S]) onState(from common.Address, raw json.RawMessage, reply common.Replier) {
	var received S
	if err := json.Unmarshal(raw, &received); err != nil {
		e.logger.Warn("dropping undecodable state", "peer", from.Short(), "error", err)
		return
	}
	receivedKey, err := Canonical(received)
	if err != nil {
		e.logger.Warn("dropping unencodable state", "peer", from.Short(), "error", err)
		return
	}

	rec := e.peers.getOrCreate(from)
	if rec.Reputation == nil {
		zero := 0
		rec.Reputation = &zero
	}
	previousKey := rec.receivedKey
	rec.LastReceived = &received
	rec.receivedKey = receivedKey

	local := e.localKey()
	if !bytes.Equal(local, rec.sentKey) {
		if snapshot, err := clone(e.state); err == nil {
			rec.LastSent = &snapshot
			rec.sentKey = local
			e.reply(reply, e.stateMessage())
		}
	}

	if bytes.Equal(rec.sentKey, rec.receivedKey) {
		*rec.Reputation++
	} else if e.epoch <= 0 && previousKey != nil && !bytes.Equal(previousKey, e.genesisKey) {
		*rec.Reputation--
	}

	e.firstStateOnce.Do(func() { close(e.firstState) })
}

func (e *Engine[S]) localKey() []byte {
	if e.stateKey == nil {
		key, err := Canonical(e.state)
		if err != nil {
			e.logger.Error("local state is not serializable", "error", err)
			return nil
		}
		e.stateKey = key
	}
	return e.stateKey
}

func (e *Engine[S]) stateChanged() {
	e.stateKey = nil
}

func (e *Engine[S]) stateMessage() common.Message {
	raw, err := json.Marshal(e.state)
	if err != nil {
		e.logger.Error("failed to encode state", "error", err)
		raw = json.RawMessage("null")
	}
	return common.StateMessage(e.name, raw)
}

func (e *Engine[S]) broadcastState() {
	e.broadcast(e.stateMessage())
}

func (e *Engine[S]) broadcast(msg common.Message) {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.SendTimeout)
	defer cancel()
	n, err := e.network.Send(ctx, msg)
	if err != nil {
		e.logger.Warn("broadcast failed", "kind", msg.Kind.String(), "error", err)
		return
	}
	e.logger.Debug("broadcast", "kind", msg.Kind.String(), "peers", n)
}

func (e *Engine[S]) reply(reply common.Replier, msg common.Message) {
	if reply == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.config.SendTimeout)
	defer cancel()
	if err := reply(ctx, msg); err != nil {
		e.logger.Debug("reply failed", "kind", msg.Kind.String(), "error", err)
	}
}

// ========== Calls ==========

// Call submits a local call through the same admission path as remote
// calls. Admission errors and the method's ValidationError are returned.
// Must not be called from an oracle method.
func (e *Engine[S]) Call(ctx context.Context, method Method, args json.RawMessage) error {
	if !e.bound.Load() {
		return common.NewProtocolError(common.ErrCodeNotConnected, "engine has no oracle")
	}
	var result error
	if err := e.do(ctx, func() {
		m, err := e.admit(string(method), args)
		if err != nil {
			result = err
			return
		}
		result = e.apply(m, args)
	}); err != nil {
		return err
	}
	return result
}

// admit runs the admission checks, records the call in the mempool and
// floods it to every peer.
func (e *Engine[S]) admit(method string, args json.RawMessage) (Method, error) {
	m := Method(method)
	if _, ok := e.methods[m]; !ok {
		return m, common.NewProtocolError(common.ErrCodeUnknownMethod, fmt.Sprintf("unknown method %q", method))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return m, common.WrapProtocolError(common.ErrCodeMalformedMessage, "call arguments must be an object", err)
	}

	id := e.oracle.TransactionID(m, args)

	if raw, ok := fields["time"]; ok {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return m, common.WrapProtocolError(common.ErrCodeMalformedMessage, "invalid time field", err)
		}
		oldest := time.Now().Add(-e.oracle.EpochTime()).UnixMilli()
		if int64(ms) < oldest {
			return m, common.NewProtocolError(common.ErrCodeStaleTransaction, "transaction too old").
				WithContext("id", id)
		}
	}

	if raw, ok := fields["signature"]; ok {
		if err := e.verifyCall(raw, fields["from"], args); err != nil {
			return m, err
		}
	}

	if !e.mempool.Admit(MempoolEntry{ID: id, Method: m, Args: args}) {
		return m, common.NewProtocolError(common.ErrCodeDuplicateTransaction, "transaction already in mempool").
			WithContext("id", id)
	}

	e.events.Emit(EventCallAdmitted, id, string(m))
	e.broadcast(common.CallMessage(e.name, method, args))
	return m, nil
}

func (e *Engine[S]) verifyCall(sigRaw, fromRaw json.RawMessage, args json.RawMessage) error {
	var sig string
	var from common.Address
	if err := json.Unmarshal(sigRaw, &sig); err != nil || !common.IsHexAddress(sig) {
		return common.NewProtocolError(common.ErrCodeInvalidSignature, "signature is not hex")
	}
	if fromRaw == nil {
		return common.NewProtocolError(common.ErrCodeInvalidSignature, "signed call has no sender")
	}
	if err := json.Unmarshal(fromRaw, &from); err != nil || !common.IsHexAddress(string(from)) {
		return common.NewProtocolError(common.ErrCodeInvalidSignature, "sender is not an address")
	}

	payload, err := SigningPayload(args)
	if err != nil {
		return common.WrapProtocolError(common.ErrCodeMalformedMessage, "cannot build signing payload", err)
	}
	if !e.identity.Verify(sig, payload, from) {
		return common.NewProtocolError(common.ErrCodeInvalidSignature, "signature does not match sender").
			WithContext("from", string(from))
	}
	return nil
}

func (e *Engine[S]) apply(method Method, args json.RawMessage) error {
	fn := e.methods[method]
	if err := fn(&e.state, args); err != nil {
		if common.IsValidation(err) {
			e.logger.Debug("method refused", "method", method, "error", err)
		} else {
			e.logger.Warn("method failed", "method", method, "error", err)
		}
		return err
	}
	e.stateChanged()
	e.logger.Debug("method applied", "method", method)
	return nil
}

// ========== Epochs ==========

func (e *Engine[S]) tick() {
	e.epoch++

	net := 0
	for _, addr := range e.peers.addresses() {
		rec, ok := e.peers.get(addr)
		if !ok {
			continue
		}
		if rec.Reputation == nil {
			e.peers.remove(addr)
			e.logger.Debug("peer removed", "peer", addr.Short())
			continue
		}
		reputation := *rec.Reputation
		if rec.LastReceived != nil {
			e.oracle.ReputationChange(&e.state, addr, reputation)
		}
		net += reputation
		rec.Reputation = nil
	}
	e.oracle.ReputationChange(&e.state, e.identity.Address(), 1)
	e.stateChanged()

	if net < 0 {
		e.logger.Warn("net reputation is negative, local state may be out of sync", "epoch", e.epoch, "net", net)
	}
	e.mempool.Clear()

	if fp := Fingerprint(e.state); fp != e.lastEpochFingerprint {
		e.logger.Info("state changed", "epoch", e.epoch, "fingerprint", shortFingerprint(fp))
		e.lastEpochFingerprint = fp
	}

	e.broadcastState()
	e.events.Emit(EventEpoch, e.epoch)
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

// ========== Startup ==========

func (e *Engine[S]) run(ctx context.Context) {
	if err := e.loop.Do(ctx, e.broadcastState); err != nil {
		return
	}
	switch {
	case e.awaitConnection(ctx):
		if !e.startup(ctx) {
			return
		}
	case ctx.Err() != nil:
		return
	default:
		e.logger.Info("no peer connected, continuing alone")
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.lateStartup(ctx)
		}()
	}

	if c, ok := e.oracle.(Connector); ok {
		c.OnConnect(ctx)
	}
	e.runEpochs(ctx)
}

// awaitConnection waits one full startup window for the transport to
// connect or for a peer state to arrive.
func (e *Engine[S]) awaitConnection(ctx context.Context) bool {
	window := time.Duration(e.config.StartupAttempts) * e.config.StartupTimeout
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-e.connected:
		return true
	case <-e.firstState:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// lateStartup runs the startup vote for a node whose first connection
// came after the startup window, so it does not stay on its own state.
func (e *Engine[S]) lateStartup(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-e.connected:
	case <-e.firstState:
	}
	e.logger.Info("connected after startup window, reconciling")
	e.startup(ctx)
}

func (e *Engine[S]) startup(ctx context.Context) bool {
	if !e.awaitFirstState(ctx) && ctx.Err() != nil {
		return false
	}
	return e.reconcile(ctx)
}

func (e *Engine[S]) awaitFirstState(ctx context.Context) bool {
	for attempt := 1; attempt <= e.config.StartupAttempts; attempt++ {
		select {
		case <-e.firstState:
			return true
		case <-ctx.Done():
			return false
		case <-time.After(e.config.StartupTimeout):
			e.logger.Debug("no peer state yet, rebroadcasting", "attempt", attempt)
			e.loop.Post(e.broadcastState)
		}
	}
	e.logger.Info("no peer state received, continuing alone")
	return false
}

// reconcile runs the oracle's startup vote over the peer states received so
// far, retrying while it cannot decide.
func (e *Engine[S]) reconcile(ctx context.Context) bool {
	for attempt := 1; attempt <= e.config.StartupAttempts; attempt++ {
		var decided, undecided bool
		if err := e.loop.Do(ctx, func() {
			states := e.receivedStates()
			if len(states) == 0 {
				return
			}
			s, ok := e.oracle.StartupState(states)
			if !ok {
				undecided = true
				return
			}
			e.adopt(s)
			decided = true
		}); err != nil {
			return false
		}
		if !undecided || decided {
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.config.StartupTimeout):
		}
	}
	e.loop.Post(e.broadcastState)
	return true
}

func (e *Engine[S]) receivedStates() []S {
	var states []S
	for _, rec := range e.peers.inOrder() {
		if rec.LastReceived != nil {
			states = append(states, *rec.LastReceived)
		}
	}
	return states
}

func (e *Engine[S]) adopt(s S) {
	if Equal(s, e.state) {
		e.logger.Debug("startup state already in sync")
		return
	}
	adopted, err := clone(s)
	if err != nil {
		e.logger.Error("cannot adopt startup state", "error", err)
		return
	}
	e.state = adopted
	e.stateChanged()
	fp := Fingerprint(e.state)
	e.logger.Info("adopted startup state", "fingerprint", shortFingerprint(fp))
	e.events.Emit(EventStateAdopted, fp)
}

func (e *Engine[S]) runEpochs(ctx context.Context) {
	epochTime := e.oracle.EpochTime()
	if epochTime <= 0 {
		<-ctx.Done()
		return
	}

	// Align the first tick to the next wall-clock multiple of epochTime.
	wait := epochTime - time.Duration(time.Now().UnixNano()%int64(epochTime))
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}
	e.loop.Post(e.tick)

	ticker := time.NewTicker(epochTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.loop.Post(e.tick)
		}
	}
}

// ========== Queries ==========

// Snapshot returns a copy of the local state.
func (e *Engine[S]) Snapshot(ctx context.Context) (S, error) {
	var (
		out S
		err error
	)
	if doErr := e.do(ctx, func() { out, err = clone(e.state) }); doErr != nil {
		return out, doErr
	}
	return out, err
}

// Status reports epoch, peer and mempool counters.
func (e *Engine[S]) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() {
		st = Status{
			Oracle:      e.name,
			Epoch:       e.epoch,
			Peers:       e.peers.len(),
			Mempool:     e.mempool.Len(),
			Fingerprint: Fingerprint(e.state),
		}
	})
	return st, err
}

// do runs fn on the loop. Once the engine is stopped nothing drains the
// loop, so waiting ends with ErrNotConnected.
func (e *Engine[S]) do(ctx context.Context, fn func()) error {
	engineCtx := e.ctx
	if engineCtx.Err() != nil {
		return common.NewProtocolError(common.ErrCodeNotConnected, "engine stopped")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(engineCtx, cancel)
	defer stop()

	if err := e.loop.Do(ctx, fn); err != nil {
		if engineCtx.Err() != nil {
			return common.NewProtocolError(common.ErrCodeNotConnected, "engine stopped")
		}
		return err
	}
	return nil
}

// Handle is the engine surface available to an oracle.
type Handle[S any] struct {
	e *Engine[S]
}

// Self returns the local address.
func (h Handle[S]) Self() common.Address {
	return h.e.identity.Address()
}

// Peers lists the addresses in the peer table.
func (h Handle[S]) Peers() []common.Address {
	return h.e.peers.addresses()
}

// Call submits a local call; args is marshalled to a JSON object.
func (h Handle[S]) Call(ctx context.Context, method Method, args interface{}) error {
	raw, ok := args.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			return common.Validationf("cannot encode arguments: %v", err)
		}
	}
	return h.e.Call(ctx, method, raw)
}

// ForceEpoch schedules an epoch tick now, independent of the timer.
func (h Handle[S]) ForceEpoch() {
	h.e.loop.Post(h.e.tick)
}

// Snapshot returns a copy of the local state.
func (h Handle[S]) Snapshot(ctx context.Context) (S, error) {
	return h.e.Snapshot(ctx)
}
